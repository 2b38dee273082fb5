// Package i18n localizes the notices and error messages returned to
// candidates and operators.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	bundle     *i18n.Bundle
	defaultTag language.Tag
	// messageIDs is the message catalog of the default language.
	messageIDs map[string]bool
)

// Init loads the embedded catalogs. lang is the default language used when a
// request does not ask for a supported one. It resolves to the catalog of the
// same tag, or else of the same base language ("en-US" uses "en"). Every
// catalog must define the messages of the default one.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	unmarshal := map[string]i18n.UnmarshalFunc{"json": json.Unmarshal}
	var files []*i18n.MessageFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		mf, err := i18n.ParseMessageFileBytes(data, e.Name(), unmarshal)
		if err != nil {
			return fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		files = append(files, mf)
	}

	def := resolveDefault(tag, files)
	if def == nil {
		return fmt.Errorf("no catalog for default language %s", tag)
	}
	base := catalogIDs(def)

	b := i18n.NewBundle(def.Tag)
	for _, mf := range files {
		if missing := missingIDs(base, catalogIDs(mf)); len(missing) > 0 {
			return fmt.Errorf("catalog %s lacks messages %v", mf.Tag, missing)
		}
		if err := b.AddMessages(mf.Tag, mf.Messages...); err != nil {
			return fmt.Errorf("add messages of %s: %w", mf.Path, err)
		}
		slog.Debug("loaded locale file", "file", mf.Path, "messages", len(mf.Messages))
	}

	bundle, defaultTag, messageIDs = b, def.Tag, base
	return nil
}

func resolveDefault(tag language.Tag, files []*i18n.MessageFile) *i18n.MessageFile {
	for _, mf := range files {
		if mf.Tag == tag {
			return mf
		}
	}
	want, _ := tag.Base()
	for _, mf := range files {
		if got, _ := mf.Tag.Base(); got == want {
			return mf
		}
	}
	return nil
}

func catalogIDs(mf *i18n.MessageFile) map[string]bool {
	ids := make(map[string]bool, len(mf.Messages))
	for _, m := range mf.Messages {
		ids[m.ID] = true
	}
	return ids
}

// missingIDs lists the IDs of base that ids does not define, sorted.
func missingIDs(base, ids map[string]bool) []string {
	var missing []string
	for id := range base {
		if !ids[id] {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing
}

// Has reports whether msgID is defined.
func Has(msgID string) bool {
	return messageIDs[msgID]
}

// NewLocalizer creates a localizer for the given languages, in preference order.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return i18n.NewLocalizer(bundle, defaultTag.String())
}

// localize falls back to the bare message ID so a missing message still
// names what went wrong.
func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	s, err := localizerFromCtx(ctx).Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a pluralized message by ID. The count is available to the
// template as .Count.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
