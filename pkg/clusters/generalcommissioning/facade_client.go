package generalcommissioning

import (
	"github.com/backkem/matter/pkg/clusters/facade"
	"github.com/backkem/matter/pkg/tlv"
)

// ArmFailSafeCommand binds ArmFailSafe to the EncodeArmFailSafeRequest/
// DecodeArmFailSafeResponse pair above, so a commissioner can call it
// through facade.InvokeWithResponse instead of handling TLV directly.
var ArmFailSafeCommand = facade.CommandWithResponseDescriptor[*ArmFailSafeRequest, *ArmFailSafeResponse]{
	Cluster: ClusterID,
	Command: CmdArmFailSafe,
	EncodeReq: func(w *tlv.Writer, req *ArmFailSafeRequest) error {
		payload, err := EncodeArmFailSafeRequest(req)
		if err != nil {
			return err
		}
		return w.PutRaw(tlv.Anonymous(), payload)
	},
	DecodeResp: DecodeArmFailSafeResponse,
}
