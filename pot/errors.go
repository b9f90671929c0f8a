package pot

import "golang.org/x/xerrors"

// One sentinel per rejection class so that settlement logic and tests can
// tell integrity failures apart. Every failed instruction aborts the whole
// client transaction; no partial state is ever written.
var (
	ErrInvalidParameters = xerrors.New("invalid pot parameters")
	ErrVaultNotOwned     = xerrors.New("vault is not owned by the program")
	ErrNotAuthorized     = xerrors.New("not authorized")
	ErrWrongState        = xerrors.New("wrong pot status")
	ErrEmptyPot          = xerrors.New("pot has no tickets")
	ErrPotNotEmpty       = xerrors.New("pot has escrowed tickets")
	ErrPotFull           = xerrors.New("pot is full")
	ErrInsufficientFunds = xerrors.New("ticket payment not escrowed")
	ErrInvalidProof      = xerrors.New("invalid randomness proof")
	ErrUnknownSeed       = xerrors.New("unknown randomness seed")
	ErrAlreadyFulfilled  = xerrors.New("randomness already fulfilled")
	ErrAlreadyConsumed   = xerrors.New("randomness already consumed")
	ErrNoRandomness      = xerrors.New("no verified randomness")
	ErrWinnerMismatch    = xerrors.New("mismatched winner account")
)
