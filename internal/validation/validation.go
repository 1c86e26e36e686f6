// Package validation wraps go-playground/validator/v10 behind a single
// Struct call, matching the `validate:"required"`-tagged request types
// style of the teacher's API request structs, and translates a failed
// validation into an apperrors.AppError the REST layer can render as a
// 400 without knowing anything about the underlying library.
package validation

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

var instance = validator.New()

// Struct validates s against its `validate` struct tags.
func Struct(s any) error {
	if err := instance.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return apperrors.New(apperrors.ErrorTypeValidation, summarize(verrs))
		}
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "validation failed")
	}
	return nil
}

func summarize(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}
