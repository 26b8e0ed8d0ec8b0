package payload

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/kacy/iap-validation/iaperr"
)

var (
	errMalformedAttribute = errors.New("malformed attribute")
	errNotUTF8String      = errors.New("value is not a UTF8String")
	errNotIA5String       = errors.New("value is not an IA5String")
	errNotInteger         = errors.New("value is not an INTEGER")
)

// FieldError records an attribute whose value failed to decode. The rest of
// the receipt is still populated.
type FieldError struct {
	Type int
	// Index is the position of the in-app entry holding the attribute, or
	// -1 for top-level attributes.
	Index int
	Err   error
}

func (e FieldError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("attribute %d: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("in_app[%d] attribute %d: %v", e.Index, e.Type, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

type attribute struct {
	typ     int
	version int
	value   []byte
}

// Decode decodes a receipt payload. Unknown attribute types are ignored and a
// later attribute of the same type replaces an earlier one. Values that fail
// to decode are reported in Receipt.FieldErrors.
func Decode(data []byte) (*Receipt, error) {
	attrs, err := readAttributes(data)
	if err != nil {
		return nil, iaperr.Wrap(iaperr.KindInvalidReceipt, err, "unable to decode receipt payload").WithContent(data)
	}

	r := &Receipt{}
	for _, a := range attrs {
		if a.typ == TypeInApp {
			r.decodeInApp(a.value)
			continue
		}
		if err := r.setField(a.typ, a.value); err != nil {
			r.FieldErrors = append(r.FieldErrors, FieldError{Type: a.typ, Index: -1, Err: err})
		}
	}
	return r, nil
}

func readAttributes(data []byte) ([]attribute, error) {
	input := cryptobyte.String(data)
	var set cryptobyte.String
	if !input.ReadASN1(&set, asn1.SET) {
		return nil, errors.New("payload is not an ASN.1 SET")
	}

	var attrs []attribute
	for !set.Empty() {
		var (
			seq   cryptobyte.String
			value cryptobyte.String
			a     attribute
		)
		if !set.ReadASN1(&seq, asn1.SEQUENCE) ||
			!seq.ReadASN1Integer(&a.typ) ||
			!seq.ReadASN1Integer(&a.version) ||
			!seq.ReadASN1(&value, asn1.OCTET_STRING) {
			return nil, errMalformedAttribute
		}
		a.value = value
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func (r *Receipt) decodeInApp(value []byte) {
	index := len(r.InApp)
	attrs, err := readAttributes(value)
	if err != nil {
		r.FieldErrors = append(r.FieldErrors, FieldError{Type: TypeInApp, Index: -1, Err: err})
		return
	}

	var p InAppPurchase
	for _, a := range attrs {
		if err := p.setField(a.typ, a.value); err != nil {
			r.FieldErrors = append(r.FieldErrors, FieldError{Type: a.typ, Index: index, Err: err})
		}
	}
	r.InApp = append(r.InApp, p)
}

func (r *Receipt) setField(typ int, value []byte) error {
	switch typ {
	case TypeEnvironment:
		return setUTF8(&r.Environment, value)
	case TypeBundleID:
		return setUTF8(&r.BundleID, value)
	case TypeApplicationVersion:
		return setUTF8(&r.ApplicationVersion, value)
	case TypeOpaqueValue:
		r.OpaqueValue = append([]byte(nil), value...)
	case TypeSHA1Hash:
		r.SHA1Hash = append([]byte(nil), value...)
	case TypeCreationDate:
		return setIA5(&r.CreationDate, value)
	case TypeOriginalPurchaseDate:
		return setIA5(&r.OriginalPurchaseDate, value)
	case TypeOriginalApplicationVersion:
		return setUTF8(&r.OriginalApplicationVersion, value)
	case TypeExpirationDate:
		return setIA5(&r.ExpirationDate, value)
	}
	return nil
}

func (p *InAppPurchase) setField(typ int, value []byte) error {
	switch typ {
	case TypeInAppQuantity:
		return setInt(&p.Quantity, value)
	case TypeInAppProductID:
		return setUTF8(&p.ProductID, value)
	case TypeInAppTransactionID:
		return setUTF8(&p.TransactionID, value)
	case TypeInAppPurchaseDate:
		return setIA5(&p.PurchaseDate, value)
	case TypeInAppOriginalTransactionID:
		return setUTF8(&p.OriginalTransactionID, value)
	case TypeInAppOriginalPurchaseDate:
		return setIA5(&p.OriginalPurchaseDate, value)
	case TypeInAppExpiresDate:
		return setIA5(&p.ExpiresDate, value)
	case TypeInAppWebOrderLineItemID:
		var n Int64
		if err := setInt(&n, value); err != nil {
			return err
		}
		p.WebOrderLineItemID = &n
	case TypeInAppCancellationDate:
		return setIA5(&p.CancellationDate, value)
	case TypeInAppIsInIntroOfferPeriod:
		var n Int64
		if err := setInt(&n, value); err != nil {
			return err
		}
		b := Bool(n != 0)
		p.IsInIntroOfferPeriod = &b
	}
	return nil
}

func setUTF8(dst *string, value []byte) error {
	s := cryptobyte.String(value)
	var out cryptobyte.String
	if !s.ReadASN1(&out, asn1.UTF8String) || !utf8.Valid(out) {
		return errNotUTF8String
	}
	*dst = string(out)
	return nil
}

func setIA5(dst *string, value []byte) error {
	s := cryptobyte.String(value)
	var out cryptobyte.String
	if !s.ReadASN1(&out, asn1.IA5String) {
		return errNotIA5String
	}
	for _, c := range out {
		if c > 0x7f {
			return errNotIA5String
		}
	}
	*dst = string(out)
	return nil
}

func setInt(dst *Int64, value []byte) error {
	s := cryptobyte.String(value)
	var n int64
	if !s.ReadASN1Integer(&n) {
		return errNotInteger
	}
	*dst = Int64(n)
	return nil
}
