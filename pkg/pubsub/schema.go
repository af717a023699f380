package pubsub

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

// Schema validates a channel payload.
type Schema[T any] interface {
	Validate(v T) error
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc[T any] func(v T) error

func (f SchemaFunc[T]) Validate(v T) error { return f(v) }

// StructSchema validates struct payloads (or pointers to them) using
// `validate` struct tags.
type StructSchema[T any] struct {
	validate *validator.Validate
	nullable bool
}

// NewStructSchema builds a StructSchema. A nil validate uses a fresh
// validator with required-struct checks enabled.
func NewStructSchema[T any](validate *validator.Validate) *StructSchema[T] {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &StructSchema[T]{validate: validate}
}

// Nullable returns a copy that accepts a nil pointer payload.
func (s *StructSchema[T]) Nullable() *StructSchema[T] {
	return &StructSchema[T]{validate: s.validate, nullable: true}
}

func (s *StructSchema[T]) Validate(v T) error {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		if s.nullable {
			return nil
		}
		return ErrNilPayload
	}
	return s.validate.Struct(v)
}
