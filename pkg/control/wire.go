package control

import (
	"github.com/tatzyr/idb/pkg/targets"
)

// Wire messages of the companion control service. The fleet layer needs
// only describe; the service name covers the companion's full surface so
// further methods can slot in beside it.

const (
	companionServiceName = "idb.CompanionService"
	describeMethod       = "/idb.CompanionService/describe"
)

// DescribeRequest asks a companion for the target it controls.
type DescribeRequest struct {
	FetchDiagnostics bool `cbor:"fetch_diagnostics,omitempty"`
}

// DescribeResponse carries the companion's target report.
type DescribeResponse struct {
	Target *targets.TargetDescription `cbor:"target"`
}
