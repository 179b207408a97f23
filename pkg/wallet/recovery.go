package wallet

// branchRecoveryState keeps track of the look-ahead window of a chain
// during a scan. The horizon always exceeds the successor of the last index
// with history by the recovery window.
type branchRecoveryState struct {
	// recoveryWindow is the number of consecutive unused indexes after
	// which the scan of the branch stops.
	recoveryWindow uint32

	// horizon records the highest child index watched by this branch.
	horizon uint32

	// nextUnfound is the successor of the highest index found with history.
	nextUnfound uint32
}

// newBranchRecoveryState returns a state whose horizon starts at
// nextUnfound: indexes below it are already known to the wallet.
func newBranchRecoveryState(
	recoveryWindow, nextUnfound uint32,
) *branchRecoveryState {
	return &branchRecoveryState{
		recoveryWindow: recoveryWindow,
		horizon:        nextUnfound,
		nextUnfound:    nextUnfound,
	}
}

// extendHorizon returns the current horizon and the number of indexes that
// must be derived to maintain the recovery window.
func (brs *branchRecoveryState) extendHorizon() (uint32, uint32) {
	curHorizon := brs.horizon
	minValidHorizon := brs.nextUnfound + brs.recoveryWindow

	if curHorizon >= minValidHorizon {
		return curHorizon, 0
	}

	delta := minValidHorizon - curHorizon
	brs.horizon = minValidHorizon
	return curHorizon, delta
}

// reportFound updates the last found index if the reported one exceeds it.
func (brs *branchRecoveryState) reportFound(index uint32) {
	if index >= brs.nextUnfound {
		brs.nextUnfound = index + 1
	}
}
