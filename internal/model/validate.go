package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	validatorv10 "github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validatorv10.Validate
)

// Validator returns the shared validator with the cart's custom rules
// registered. Field names in errors use the json tag.
func Validator() *validatorv10.Validate {
	validateOnce.Do(func() {
		v := validatorv10.New()
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("notblank", func(fl validatorv10.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = v.RegisterValidation("nokeysep", func(fl validatorv10.FieldLevel) bool {
			return !strings.Contains(fl.Field().String(), KeySeparator)
		})
		validate = v
	})
	return validate
}

// FieldsError lists descriptor fields that failed validation.
type FieldsError struct {
	Fields []string
}

func (e *FieldsError) Error() string {
	return fmt.Sprintf("invalid fields: %s", strings.Join(e.Fields, ", "))
}

// Validate checks that the descriptor carries the fields the engine needs
// and that its identifiers cannot collide with another item's key.
// Returns *FieldsError naming every offending field.
func (d ItemDescriptor) Validate() error {
	err := Validator().Struct(d)
	if err == nil {
		return nil
	}
	var verrs validatorv10.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return &FieldsError{Fields: fields}
	}
	return err
}
