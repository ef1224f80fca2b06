package locales

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed *.json
var localeFS embed.FS

var (
	mu              sync.RWMutex
	bundle          *i18n.Bundle
	defaultLanguage language.Tag
)

// Init initializes the i18n bundle by loading the embedded language files and setting the default language.
// It is safe to call more than once; the last call wins.
func Init(defaultLangCode string) error {
	tag, err := language.Parse(defaultLangCode)
	if err != nil {
		zap.L().Warn("failed to parse default language code, falling back to Uzbek",
			zap.String("code", defaultLangCode), zap.Error(err))
		tag = language.Uzbek
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir(".")
	if err != nil {
		return fmt.Errorf("failed to read embedded locales: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if _, err := b.LoadMessageFileFS(localeFS, entry.Name()); err != nil {
			return fmt.Errorf("failed to load message file %s: %w", entry.Name(), err)
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no message files embedded")
	}

	mu.Lock()
	bundle = b
	defaultLanguage = tag
	mu.Unlock()

	zap.L().Debug("i18n bundle initialized", zap.Int("files", loaded), zap.String("default", tag.String()))
	return nil
}

// DefaultLanguage returns the configured default language code.
func DefaultLanguage() string {
	mu.RLock()
	defer mu.RUnlock()
	if bundle == nil {
		panic("locales: DefaultLanguage called before Init")
	}
	return defaultLanguage.String()
}

// NewLocalizer creates a localizer for the given language preferences.
// The bundle's default language is always the final fallback.
func NewLocalizer(langPrefs ...string) *i18n.Localizer {
	mu.RLock()
	defer mu.RUnlock()
	if bundle == nil {
		panic("locales: NewLocalizer called before Init")
	}
	return i18n.NewLocalizer(bundle, langPrefs...)
}

// GetMessage retrieves and formats a message by its ID using the provided localizer.
// pluralCount is optional and selects the plural form.
// When neither the localizer's languages nor English have the message, the ID is returned.
func GetMessage(localizer *i18n.Localizer, msgID string, templateData map[string]interface{}, pluralCount *int) string {
	cfg := &i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: templateData,
	}
	if pluralCount != nil {
		cfg.PluralCount = *pluralCount
	}

	msg, err := localizer.Localize(cfg)
	if err == nil {
		return msg
	}
	zap.L().Error("failed to localize message, falling back to English", zap.String("id", msgID), zap.Error(err))

	msg, err = NewLocalizer(language.English.String()).Localize(cfg)
	if err == nil {
		return msg
	}
	return msgID
}
