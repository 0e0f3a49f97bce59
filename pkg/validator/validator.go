// Package validator validates request payloads with go-playground/validator
// and renders field errors in English or Indonesian.
package validator

import (
	"reflect"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/id"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	id_translations "github.com/go-playground/validator/v10/translations/id"
)

// Language constants for i18n support.
const (
	LangEN = "en"
	LangID = "id"
)

// Validator wraps go-playground/validator with translators.
type Validator struct {
	validate *validator.Validate
	trans    map[string]ut.Translator
}

var (
	globalValidator *Validator
	once            sync.Once
)

// Global returns the process-wide validator.
func Global() *Validator {
	once.Do(func() {
		globalValidator = New()
	})
	return globalValidator
}

// New creates a Validator with en and id translations and the docchat rules.
func New() *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		trans:    make(map[string]ut.Translator, 2),
	}

	// Use JSON tag names for error field names
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale, id.New())

	enTrans, _ := uni.GetTranslator(LangEN)
	_ = en_translations.RegisterDefaultTranslations(v.validate, enTrans)
	v.trans[LangEN] = enTrans

	idTrans, _ := uni.GetTranslator(LangID)
	_ = id_translations.RegisterDefaultTranslations(v.validate, idTrans)
	v.trans[LangID] = idTrans

	v.registerCustomRules()
	return v
}

// registerCustomRules adds "notblank" (rejects whitespace-only strings) and
// "maxrunes" (limits length in characters rather than bytes).
func (v *Validator) registerCustomRules() {
	_ = v.register("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	}, map[string]string{
		LangEN: "{0} must not be blank",
		LangID: "{0} tidak boleh kosong",
	})

	_ = v.register("maxrunes", func(fl validator.FieldLevel) bool {
		var limit int
		for _, r := range fl.Param() {
			if r < '0' || r > '9' {
				return false
			}
			limit = limit*10 + int(r-'0')
		}
		return utf8.RuneCountInString(fl.Field().String()) <= limit
	}, map[string]string{
		LangEN: "{0} must be at most {1} characters",
		LangID: "{0} maksimal {1} karakter",
	})
}

func (v *Validator) register(tag string, fn validator.Func, messages map[string]string) error {
	if err := v.validate.RegisterValidation(tag, fn); err != nil {
		return err
	}
	for lang, message := range messages {
		trans, ok := v.trans[lang]
		if !ok {
			continue
		}
		_ = v.validate.RegisterTranslation(tag, trans,
			func(t ut.Translator) error {
				return t.Add(tag, message, true)
			},
			func(t ut.Translator, fe validator.FieldError) string {
				msg, _ := t.T(tag, fe.Field(), fe.Param())
				return msg
			},
		)
	}
	return nil
}

// Translator returns the translator for lang, defaulting to English.
func (v *Validator) Translator(lang string) ut.Translator {
	if trans, ok := v.trans[lang]; ok {
		return trans
	}
	return v.trans[LangEN]
}

// ValidateWithLang validates s and returns translated errors, or nil.
func (v *Validator) ValidateWithLang(s interface{}, lang string) *ValidationErrors {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return single("", "invalid", err.Error())
	}

	trans := v.Translator(lang)
	result := &ValidationErrors{Errors: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		result.Errors = append(result.Errors, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: fe.Translate(trans),
		})
	}
	return result
}

// StructWithLang validates with the global validator.
func StructWithLang(s interface{}, lang string) *ValidationErrors {
	return Global().ValidateWithLang(s, lang)
}
