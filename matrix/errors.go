package matrix

import "errors"

var (
	// ErrSponsorNotPlaced is returned when the enrolling sponsor holds no slot
	// in the requested plan.
	ErrSponsorNotPlaced = errors.New("matrix: sponsor holds no slot in plan")

	// ErrAlreadyPlaced is returned when the member already occupies a slot in
	// the plan. A member holds exactly one slot per plan.
	ErrAlreadyPlaced = errors.New("matrix: member already placed in plan")

	// ErrCapacityExceeded is returned when every slot within the configured
	// depth under the sponsor is full.
	ErrCapacityExceeded = errors.New("matrix: placement capacity exhausted")

	errNilState = errors.New("matrix: placement state not configured")
)
