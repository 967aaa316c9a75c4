package comprobante

// BuyerIDType is the SRI tipoIdentificacionComprador code.
type BuyerIDType string

const (
	BuyerIDRUC           BuyerIDType = "04"
	BuyerIDCedula        BuyerIDType = "05"
	BuyerIDPassport      BuyerIDType = "06"
	BuyerIDFinalConsumer BuyerIDType = "07"
)

// FinalConsumerID is the identification the SRI mandates for anonymous
// consumidor-final sales.
const FinalConsumerID = "9999999999"

// BuyerIDTypeFor maps the sale system's identification kinds to SRI codes.
// Unknown kinds collapse to consumidor final, matching SRI guidance.
func BuyerIDTypeFor(kind string) BuyerIDType {
	switch kind {
	case "ruc":
		return BuyerIDRUC
	case "cedula":
		return BuyerIDCedula
	case "pasaporte", "passport":
		return BuyerIDPassport
	default:
		return BuyerIDFinalConsumer
	}
}

// ValidRUC reports whether ruc is a plausible 13-digit taxpayer number.
func ValidRUC(ruc string) bool {
	if len(ruc) != 13 {
		return false
	}
	return allDigits(ruc)
}

// ValidCedula validates an Ecuadorian cédula with the official mod-10
// algorithm: province prefix 01..24, third digit 0..6, coefficients
// alternating 2,1 with >9 folded back, check digit (10 - sum mod 10) mod 10.
func ValidCedula(cedula string) bool {
	if len(cedula) != 10 || !allDigits(cedula) {
		return false
	}

	province := int(cedula[0]-'0')*10 + int(cedula[1]-'0')
	if province < 1 || province > 24 {
		return false
	}
	if cedula[2]-'0' > 6 {
		return false
	}

	sum := 0
	for i := 0; i < 9; i++ {
		p := int(cedula[i] - '0')
		if i%2 == 0 {
			p *= 2
			if p > 9 {
				p -= 9
			}
		}
		sum += p
	}
	check := (10 - sum%10) % 10
	return check == int(cedula[9]-'0')
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
