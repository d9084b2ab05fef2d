// Package gloss provides a plain machine translation of a line that the
// line prompt shows the model as a meaning hint.
package gloss

import (
	"context"
	"fmt"
	"html"
	"sync"

	translate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"
)

// Google glosses through the Cloud Translation API. The client is created
// lazily on first use and reused.
type Google struct {
	credentials string

	once   sync.Once
	client *translate.Client
	err    error
}

// NewGoogle uses credentialsFile when set, application default credentials
// otherwise.
func NewGoogle(credentialsFile string) *Google {
	return &Google{credentials: credentialsFile}
}

func (g *Google) Name() string {
	return "google"
}

func (g *Google) Gloss(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	target, err := language.Parse(targetLang)
	if err != nil {
		return "", fmt.Errorf("gloss: invalid target language %q: %w", targetLang, err)
	}

	client, err := g.connect(ctx)
	if err != nil {
		return "", err
	}

	var opts *translate.Options
	if sourceLang != "" && sourceLang != "auto" {
		source, err := language.Parse(sourceLang)
		if err != nil {
			return "", fmt.Errorf("gloss: invalid source language %q: %w", sourceLang, err)
		}
		opts = &translate.Options{Source: source, Format: translate.Text}
	}

	translations, err := client.Translate(ctx, []string{text}, target, opts)
	if err != nil {
		return "", fmt.Errorf("gloss: translate: %w", err)
	}
	if len(translations) == 0 {
		return "", fmt.Errorf("gloss: no translation returned")
	}
	return html.UnescapeString(translations[0].Text), nil
}

func (g *Google) connect(ctx context.Context) (*translate.Client, error) {
	g.once.Do(func() {
		var opts []option.ClientOption
		if g.credentials != "" {
			opts = append(opts, option.WithCredentialsFile(g.credentials))
		}
		// The client outlives the first request.
		g.client, g.err = translate.NewClient(context.WithoutCancel(ctx), opts...)
		if g.err != nil {
			g.err = fmt.Errorf("gloss: create client: %w", g.err)
		}
	})
	return g.client, g.err
}

// Close releases the client if one was created.
func (g *Google) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
