package extractor

import "context"

// Page is the slice of a browser tab the extractor drives. Selectors are CSS.
type Page interface {
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	// Responses returns how many elements match selector and the text of the last one.
	Responses(ctx context.Context, selector string) (int, string, error)
	// Links returns the href of every anchor on the page, in document order.
	Links(ctx context.Context) ([]string, error)
}
