package validator

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/stemsi/exstem-proctor/internal/integrity"
)

var (
	trans     ut.Translator
	setupOnce sync.Once
)

// rule is a custom tag with its English message. {0} is the field name.
type rule struct {
	tag     string
	fn      govalidator.Func
	message string
}

var customRules = []rule{
	{
		tag: "signal_kind",
		fn: func(fl govalidator.FieldLevel) bool {
			return integrity.Known(integrity.SignalKind(fl.Field().String()))
		},
		message: "{0} is not a known browser signal",
	},
}

// Setup installs JSON field naming, English translations and the custom
// rules on Gin's validator. Safe to call more than once.
func Setup() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*govalidator.Validate)
		if !ok {
			return
		}

		v.RegisterTagNameFunc(jsonName)

		enLocale := en.New()
		trans, _ = ut.New(enLocale, enLocale).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		for _, r := range customRules {
			register(v, r)
		}
	})
}

func register(v *govalidator.Validate, r rule) {
	_ = v.RegisterValidation(r.tag, r.fn)
	_ = v.RegisterTranslation(r.tag, trans,
		func(t ut.Translator) error { return t.Add(r.tag, r.message, true) },
		func(t ut.Translator, fe govalidator.FieldError) string {
			msg, _ := t.T(r.tag, fe.Field())
			return msg
		},
	)
}

func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// TranslateErrors turns a binding error into field → message. Type
// mismatches are reported on their field; any other decode error lands
// under "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			if trans != nil {
				fields[fe.Field()] = fe.Translate(trans)
			} else {
				fields[fe.Field()] = fe.Error()
			}
		}
		return fields
	}

	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		fields[te.Field] = te.Field + " must be a " + te.Type.String()
		return fields
	}

	fields["detail"] = err.Error()
	return fields
}

// Bind decodes and validates the JSON body into dst. Returns nil on success.
func Bind(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// Struct validates a value decoded outside Gin's binding, such as a
// WebSocket message. Returns nil when valid.
func Struct(v any) map[string]string {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
