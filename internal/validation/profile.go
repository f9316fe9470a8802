// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator"
)

// PhoneLength задаёт требуемую длину номера телефона.
const PhoneLength = 11

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var (
	// ErrInvalidEmail возвращается, если email не имеет вида user@domain.tld.
	ErrInvalidEmail = errors.New("please write a valid email")
	// ErrInvalidPhone возвращается, если телефон указан и его длина не равна 11.
	ErrInvalidPhone = errors.New("please write a valid phone number")
)

// IsValidEmail проверяет email по шаблону user@domain.tld.
func IsValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// IsValidPhone проверяет телефон: пустое значение допустимо, иначе ровно 11 символов.
func IsValidPhone(phone string) bool {
	return phone == "" || len(phone) == PhoneLength
}

// Validator проверяет структуры запросов по тегам validate.
type Validator struct {
	validate *validator.Validate
}

// EmailTag задаёт имя правила проверки email в тегах validate.
const EmailTag = "storefront_email"

// New создаёт валидатор с зарегистрированным правилом EmailTag.
func New() *Validator {
	v := validator.New()
	mustRegister(v, EmailTag, func(fl validator.FieldLevel) bool {
		return IsValidEmail(fl.Field().String())
	})
	return &Validator{validate: v}
}

// mustRegister паникует, если правило не удалось зарегистрировать: это ошибка конфигурации.
func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", tag, err))
	}
}

// Struct проверяет структуру и возвращает первое нарушение в читаемом виде.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch {
	case fe.Tag() == "storefront_email":
		return ErrInvalidEmail
	case fe.Field() == "Phone" && fe.Tag() == "len":
		return ErrInvalidPhone
	case fe.Tag() == "required":
		return fmt.Errorf("field %s is a required field", fe.Field())
	case fe.Tag() == "eqfield":
		return fmt.Errorf("field %s must match %s", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("field %s is not valid", fe.Field())
	}
}
