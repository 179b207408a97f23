package application

import "errors"

var (
	// ErrMissingDescriptor ...
	ErrMissingDescriptor = errors.New("missing wallet descriptor")
	// ErrMissingExplorer ...
	ErrMissingExplorer = errors.New("missing chain-data provider")
	// ErrMissingSigner ...
	ErrMissingSigner = errors.New("missing signer")
	// ErrMalformedPset ...
	ErrMalformedPset = errors.New("pset must be in base64 format")
	// ErrPsetNotFinalizable is returned when broadcasting a PSET whose inputs
	// don't have enough signatures yet.
	ErrPsetNotFinalizable = errors.New("pset is not ready to be finalized")
)
