// Package accesskey generates and verifies the 49-digit clave de acceso
// that uniquely identifies an SRI comprobante, and formats the
// human-readable document number derived from the same fields.
//
// Key layout (49 decimal digits):
//
//	DDMMYYYY (8) | doc type (2) | RUC (13) | environment (1) |
//	establishment (3) | emission point (3) | sequential (9) |
//	emission mode (1) | numeric code (8) | check digit (1)
package accesskey

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// Length is the exact size of a clave de acceso.
const Length = 49

// MaxSequential is the highest sequential the 9-digit field can carry.
const MaxSequential = 999_999_999

// Fields carries everything the key encodes. NumericCode may be empty, in
// which case Generate derives one from the clock; pass the recorded code to
// regenerate a key idempotently.
type Fields struct {
	IssuedAt      time.Time
	DocType       comprobante.DocType
	RUC           string
	Environment   comprobante.Environment
	EmitterCode   string
	EmissionPoint string
	Sequential    uint32
	EmissionMode  comprobante.EmissionMode
	NumericCode   string
}

// Generate builds the 49-digit access key. It returns the key and the
// numeric code actually used, so the caller can persist the code with the
// document.
func Generate(f Fields) (key, numericCode string, err error) {
	if !comprobante.ValidRUC(f.RUC) {
		return "", "", comprobante.ErrBadRUC
	}
	if !f.DocType.Valid() {
		return "", "", comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("unknown doc type %q", f.DocType))
	}
	if len(f.EmitterCode) != 3 || len(f.EmissionPoint) != 3 {
		return "", "", comprobante.Wrap(comprobante.ErrBadPayload, "establishment and emission point must have 3 digits")
	}
	if f.Sequential < 1 || f.Sequential > MaxSequential {
		return "", "", comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("sequential %d out of range", f.Sequential))
	}

	numericCode = f.NumericCode
	if numericCode == "" {
		numericCode = NumericCode(time.Now())
	}
	if len(numericCode) != 8 {
		return "", "", comprobante.Wrap(comprobante.ErrBadPayload, "numeric code must have 8 digits")
	}

	first48 := f.IssuedAt.Format("02012006") +
		string(f.DocType) +
		f.RUC +
		string(f.Environment) +
		f.EmitterCode +
		f.EmissionPoint +
		fmt.Sprintf("%09d", f.Sequential) +
		string(f.EmissionMode) +
		numericCode

	digit, err := CheckDigit(first48)
	if err != nil {
		return "", "", err
	}
	return first48 + strconv.Itoa(digit), numericCode, nil
}

// mod11Multipliers is the repeating coefficient cycle applied right to left.
var mod11Multipliers = [8]int{2, 3, 4, 5, 6, 7, 8, 9}

// CheckDigit computes the modulus-11 check digit over a digit string.
// The raw results 11 and 10 map to 0 and 1 respectively.
func CheckDigit(digits string) (int, error) {
	if digits == "" {
		return 0, comprobante.Wrap(comprobante.ErrBadPayload, "empty digit string")
	}
	sum := 0
	for i := 0; i < len(digits); i++ {
		c := digits[len(digits)-1-i]
		if c < '0' || c > '9' {
			return 0, comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("non-digit %q at position %d", c, len(digits)-1-i))
		}
		sum += int(c-'0') * mod11Multipliers[i%8]
	}
	digit := 11 - sum%11
	switch digit {
	case 11:
		digit = 0
	case 10:
		digit = 1
	}
	return digit, nil
}

// Verify reports whether key is a structurally valid clave de acceso: 49
// digits whose last digit is the mod-11 check of the first 48.
func Verify(key string) bool {
	if len(key) != Length {
		return false
	}
	digit, err := CheckDigit(key[:48])
	if err != nil {
		return false
	}
	return key[48] == byte('0'+digit)
}

var (
	lastCodeMu sync.Mutex
	lastCode   string
)

// NumericCode derives the 8-digit entropy component from the sub-second
// wall-clock fraction. Two calls inside the same nanosecond bucket would
// collide, so a repeated value is replaced by crypto/rand salt; the caller
// records whichever code was used, keeping regeneration idempotent.
func NumericCode(now time.Time) string {
	code := fmt.Sprintf("%08d", now.Nanosecond()%100_000_000)

	lastCodeMu.Lock()
	defer lastCodeMu.Unlock()
	if code == lastCode {
		var b [4]byte
		_, _ = rand.Read(b[:])
		code = fmt.Sprintf("%08d", binary.BigEndian.Uint32(b[:])%100_000_000)
	}
	lastCode = code
	return code
}

var numberRe = regexp.MustCompile(`^(\d{3})-(\d{3})-(\d{9})$`)

// FormatNumber renders the human-readable comprobante number.
func FormatNumber(emitterCode, emissionPoint string, sequential uint32) string {
	return fmt.Sprintf("%s-%s-%09d", emitterCode, emissionPoint, sequential)
}

// ParseNumber splits "EEE-PPP-SSSSSSSSS" back into its components.
func ParseNumber(number string) (emitterCode, emissionPoint string, sequential uint32, err error) {
	m := numberRe.FindStringSubmatch(number)
	if m == nil {
		return "", "", 0, comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("malformed comprobante number %q", number))
	}
	seq, err := strconv.ParseUint(m[3], 10, 32)
	if err != nil || seq < 1 {
		return "", "", 0, comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("bad sequential in %q", number))
	}
	return m[1], m[2], uint32(seq), nil
}
