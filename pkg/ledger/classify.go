package ledger

import (
	"errors"
	"strings"

	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/rpc"
)

// resourceMarkers identify rejections caused by size or compute ceilings.
var resourceMarkers = []string{
	"too large",
	"transaction size",
	"exceeded cus meter",
	"computational budget exceeded",
	"compute budget exceeded",
	"exceeds the maximum",
	"too many account locks",
	"max loaded accounts data size",
}

// transientCodes are node-side conditions worth retrying.
var transientCodes = map[int]bool{
	-32004: true, // block not available
	-32005: true, // node unhealthy
	-32007: true, // slot skipped
	-32014: true, // block status not yet available
	-32603: true, // internal error
	429:    true,
}

// classify tags a submission error with the kind the controller acts on.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		detail := rpcErr.Detail()
		for _, m := range resourceMarkers {
			if strings.Contains(detail, m) {
				return errs.New(errs.KindResourceRejected, op, err)
			}
		}
		if transientCodes[rpcErr.Code] {
			return errs.New(errs.KindTransport, op, err)
		}
		return errs.New(errs.KindRejected, op, err)
	}
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.New(errs.KindTransport, op, err)
}
