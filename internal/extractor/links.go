package extractor

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
)

// diffLinks returns the targets in after that were not in before, in order of
// first appearance, with redirects unwrapped and the service's own links dropped.
func (e *Extractor) diffLinks(before, after []string) []domain.Citation {
	seenBefore := make(map[string]struct{}, len(before))
	for _, l := range before {
		seenBefore[strings.TrimSpace(l)] = struct{}{}
	}

	out := make([]domain.Citation, 0)
	emitted := make(map[string]struct{})
	for _, raw := range after {
		raw = strings.TrimSpace(raw)
		if _, ok := seenBefore[raw]; ok {
			continue
		}

		target, ok := e.resolve(raw)
		if !ok {
			continue
		}
		if _, dup := emitted[target]; dup {
			continue
		}
		emitted[target] = struct{}{}
		out = append(out, domain.NewCitation(target))
	}
	return out
}

// resolve unwraps a host-service redirect and reports whether the result is a
// third-party http(s) link.
func (e *Extractor) resolve(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}

	if e.isHost(u) {
		target := u.Query().Get(e.opts.RedirectParam)
		if target == "" {
			return "", false
		}
		inner, err := url.Parse(target)
		if err != nil || (inner.Scheme != "http" && inner.Scheme != "https") || inner.Host == "" || e.isHost(inner) {
			return "", false
		}
		return inner.String(), true
	}

	return u.String(), true
}

func (e *Extractor) isHost(u *url.URL) bool {
	d := domain.HostDomain(u.String())
	for {
		if _, ok := e.hosts[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			return false
		}
		d = d[i+1:]
	}
}

// ContentHash fingerprints a citation set independent of order.
func ContentHash(citations []domain.Citation) string {
	urls := make([]string, 0, len(citations))
	for _, c := range citations {
		urls = append(urls, c.URL)
	}
	sort.Strings(urls)

	return strconv.FormatUint(xxhash.Sum64String(strings.Join(urls, "\n")), 16)
}
