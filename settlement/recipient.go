package settlement

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sumup/ucp/internal/validation"
)

var (
	cpfPattern      = regexp.MustCompile(`^[0-9]{11}$`)
	cnpjPattern     = regexp.MustCompile(`^[0-9]{14}$`)
	pixPhonePattern = regexp.MustCompile(`^\+55[0-9]{10,11}$`)
)

type pixRecipient struct {
	PixKey     string `json:"pix_key" validate:"required"`
	PixKeyType string `json:"pix_key_type" validate:"required,oneof=cpf cnpj email phone evp"`
	Name       string `json:"name" validate:"required,max=140"`
	TaxID      string `json:"tax_id" validate:"omitempty,numeric,min=11,max=14"`
}

type speiRecipient struct {
	Clabe string `json:"clabe" validate:"required,clabe"`
	Name  string `json:"name" validate:"required,max=140"`
	RFC   string `json:"rfc" validate:"omitempty,alphanum,min=12,max=13"`
}

// ValidateRecipient checks r against the rules of corridor. For the auto
// corridor the recipient's own type selects the rules.
func ValidateRecipient(corridor Corridor, r Recipient) error {
	rail := r.Type
	switch {
	case corridor == CorridorAuto:
		if rail == "" {
			return fmt.Errorf("%w: type is required for auto corridor", ErrInvalidRecipient)
		}
	case rail == "":
		rail = corridor
	case rail != corridor:
		return fmt.Errorf("%w: %s recipient cannot be paid on %s", ErrInvalidRecipient, rail, corridor)
	}

	switch rail {
	case CorridorPix:
		if err := validation.Struct(pixRecipient{PixKey: r.PixKey, PixKeyType: r.PixKeyType, Name: r.Name, TaxID: r.TaxID}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		if !validPixKey(r.PixKeyType, r.PixKey) {
			return fmt.Errorf("%w: pix_key is not a valid %s key", ErrInvalidRecipient, r.PixKeyType)
		}
	case CorridorSPEI:
		if err := validation.Struct(speiRecipient{Clabe: r.Clabe, Name: r.Name, RFC: r.RFC}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidRecipient, rail)
	}
	return nil
}

// Compatible reports whether r can be paid on corridor.
func (r Recipient) Compatible(corridor Corridor) bool {
	return r.Type == "" || r.Type == corridor
}

func validPixKey(keyType, key string) bool {
	key = strings.TrimSpace(key)
	switch keyType {
	case "cpf":
		return cpfPattern.MatchString(key)
	case "cnpj":
		return cnpjPattern.MatchString(key)
	case "email":
		return validation.Var(key, "email") == nil
	case "phone":
		return pixPhonePattern.MatchString(key)
	case "evp":
		return validation.Var(key, "uuid") == nil
	default:
		return false
	}
}
