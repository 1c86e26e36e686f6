package apperrors

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestApperrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "apperrors Suite")
}

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("creates an error with correct properties", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("implements the error interface", func() {
			err := New(ErrorTypeValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("includes details in the error string", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})
	})

	Context("wrapping", func() {
		It("wraps an underlying error", func() {
			original := errors.New("original error")
			wrapped := Wrap(original, ErrorTypeDatabase, "operation failed")

			Expect(wrapped.Type).To(Equal(ErrorTypeDatabase))
			Expect(wrapped.Cause).To(Equal(original))
			Expect(wrapped.Unwrap()).To(Equal(original))
			Expect(errors.Is(wrapped, original)).To(BeTrue()) // Unwrap exposes Cause, so errors.Is follows the chain to it
		})

		It("formats wrapped messages", func() {
			original := errors.New("connection refused")
			wrapped := Wrapf(original, ErrorTypeNetwork, "failed to connect to %s:%d", "localhost", 5432)
			Expect(wrapped.Message).To(Equal("failed to connect to localhost:5432"))
		})
	})

	DescribeTable("status code mapping",
		func(t ErrorType, code int) {
			Expect(New(t, "x").StatusCode).To(Equal(code))
		},
		Entry("validation", ErrorTypeValidation, http.StatusBadRequest),
		Entry("auth", ErrorTypeAuth, http.StatusUnauthorized),
		Entry("not found", ErrorTypeNotFound, http.StatusNotFound),
		Entry("conflict", ErrorTypeConflict, http.StatusConflict),
		Entry("timeout", ErrorTypeTimeout, http.StatusRequestTimeout),
		Entry("rate limit", ErrorTypeRateLimit, http.StatusTooManyRequests),
		Entry("database", ErrorTypeDatabase, http.StatusInternalServerError),
		Entry("circuit open", ErrorTypeCircuitOpen, http.StatusServiceUnavailable),
	)

	Describe("predefined constructors", func() {
		It("builds a database error with context", func() {
			original := errors.New("connection lost")
			err := NewDatabaseError("query", original)
			Expect(err.Type).To(Equal(ErrorTypeDatabase))
			Expect(err.Message).To(ContainSubstring("database operation failed: query"))
			Expect(err.Cause).To(Equal(original))
		})

		It("builds a not found error", func() {
			err := NewNotFoundError("test case")
			Expect(err.Message).To(Equal("test case not found"))
		})
	})

	Describe("type checking", func() {
		It("identifies error types", func() {
			validationErr := NewValidationError("test")
			Expect(IsType(validationErr, ErrorTypeValidation)).To(BeTrue())
			Expect(IsType(validationErr, ErrorTypeAuth)).To(BeFalse())
		})

		It("handles non-AppError values", func() {
			regular := errors.New("regular error")
			Expect(IsType(regular, ErrorTypeValidation)).To(BeFalse())
			Expect(GetType(regular)).To(Equal(ErrorTypeInternal))
			Expect(GetStatusCode(regular)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("safe error messages", func() {
		It("passes validation messages through", func() {
			Expect(SafeErrorMessage(NewValidationError("bad field"))).To(Equal("bad field"))
		})

		It("returns a generic message for internal errors", func() {
			Expect(SafeErrorMessage(New(ErrorTypeDatabase, "leaked schema detail"))).
				To(Equal("an internal error occurred"))
		})

		It("returns a generic message for regular errors", func() {
			Expect(SafeErrorMessage(errors.New("panic"))).To(Equal("an unexpected error occurred"))
		})
	})

	Describe("LogFields", func() {
		It("includes type/status/details/cause for a wrapped error", func() {
			original := errors.New("connection failed")
			err := Wrapf(original, ErrorTypeDatabase, "query failed").WithDetails("table: occurrences")

			fields := LogFields(err)
			Expect(fields).To(HaveKeyWithValue("error_type", "database"))
			Expect(fields).To(HaveKeyWithValue("status_code", http.StatusInternalServerError))
			Expect(fields).To(HaveKeyWithValue("error_details", "table: occurrences"))
			Expect(fields).To(HaveKeyWithValue("underlying_error", "connection failed"))
		})

		It("omits optional keys when absent", func() {
			fields := LogFields(NewValidationError("x"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
		})
	})

	Describe("Chain", func() {
		It("returns nil for no errors", func() {
			Expect(Chain()).To(BeNil())
			Expect(Chain(nil, nil)).To(BeNil())
		})

		It("returns the single error unmodified", func() {
			original := errors.New("solo")
			Expect(Chain(original)).To(Equal(original))
		})

		It("joins multiple errors with an arrow separator", func() {
			err := Chain(errors.New("first"), nil, errors.New("second"))
			Expect(err.Error()).To(ContainSubstring("first"))
			Expect(err.Error()).To(ContainSubstring("second"))
			Expect(err.Error()).To(ContainSubstring(" -> "))
		})
	})
})
