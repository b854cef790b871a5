package wire

import "errors"

var (
	ErrShortIPv4  = errors.New("wire: IPv4 total length exceeds frame")
	ErrBadIPv4TL  = errors.New("wire: IPv4 short total length")
	ErrBadIPv4IHL = errors.New("wire: IPv4 bad IHL (<5)")
	ErrShortTCP   = errors.New("wire: TCP offset exceeds frame")
	ErrBadTCPOff  = errors.New("wire: TCP offset invalid")

	ErrBadIPVersion = errors.New("wire: bad IP version field")
	ErrEvilPacket   = errors.New("wire: evil packet")
	ErrZeroDstPort  = errors.New("wire: TCP zero destination port")
	ErrZeroSrcPort  = errors.New("wire: TCP zero source port")
)

// ValidateFlags controls which optional checks Validator performs.
type ValidateFlags uint8

const (
	ValidateEvilBit ValidateFlags = 1 << iota
)

// Validator accumulates validation errors found while inspecting a frame,
// shared by the wire/ipv4 and tcp codecs so callers can batch every defect
// found in a single pass instead of bailing out on the first one.
type Validator struct {
	flags          ValidateFlags
	allowMultiErrs bool
	accum          []error
}

func (v *Validator) SetFlags(f ValidateFlags)     { v.flags = f }
func (v *Validator) Flags() ValidateFlags         { return v.flags }
func (v *Validator) AllowMultipleErrors(b bool)    { v.allowMultiErrs = b }
func (v *Validator) ResetErr()                    { v.accum = v.accum[:0] }

func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// AddError records err unless a prior error is already recorded and
// AllowMultipleErrors(true) was not called.
func (v *Validator) AddError(err error) {
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}
