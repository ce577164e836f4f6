package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultCountry = "Italy"

var postalCodePattern = regexp.MustCompile(`^\d{5}$`)

type ShippingInfo struct {
	Address      string `json:"address"`
	City         string `json:"city"`
	PostalCode   string `json:"postal_code"`
	State        string `json:"state,omitempty"`
	Country      string `json:"country,omitempty"`
	Notes        string `json:"notes,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
}

// FieldError reports one invalid shipping field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Normalize trims every field and fills the default country.
func (s ShippingInfo) Normalize() ShippingInfo {
	s.Address = strings.TrimSpace(s.Address)
	s.City = strings.TrimSpace(s.City)
	s.PostalCode = strings.TrimSpace(s.PostalCode)
	s.State = strings.TrimSpace(s.State)
	s.Country = strings.TrimSpace(s.Country)
	s.Notes = strings.TrimSpace(s.Notes)
	s.DiscountCode = strings.TrimSpace(s.DiscountCode)
	if s.Country == "" {
		s.Country = DefaultCountry
	}
	return s
}

// Validate returns every failed field rule joined into one error, or nil.
func (s ShippingInfo) Validate() error {
	var errs []error
	if utf8.RuneCountInString(strings.TrimSpace(s.Address)) < 5 {
		errs = append(errs, FieldError{Field: "address", Message: "must be at least 5 characters"})
	}
	if utf8.RuneCountInString(strings.TrimSpace(s.City)) < 2 {
		errs = append(errs, FieldError{Field: "city", Message: "must be at least 2 characters"})
	}
	if !postalCodePattern.MatchString(strings.TrimSpace(s.PostalCode)) {
		errs = append(errs, FieldError{Field: "postal_code", Message: "must be 5 digits"})
	}
	return errors.Join(errs...)
}
