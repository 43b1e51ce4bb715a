package onoff

import (
	"github.com/backkem/matter/pkg/clusters/facade"
	"github.com/backkem/matter/pkg/datamodel"
	"github.com/backkem/matter/pkg/tlv"
)

// Controller-side bindings: descriptors pairing this cluster's attribute
// and command IDs (above) with the TLV codecs a facade.Client needs to
// read/write/invoke them in terms of Go values instead of raw paths and
// bytes. Endpoint is left zero-valued here since it is addressed per
// call; set it with the descriptor's Endpoint field, or copy the
// descriptor with a different Endpoint for a multi-endpoint device.

// OnOffAttribute reads/writes/subscribes the boolean OnOff attribute.
var OnOffAttribute = facade.AttributeDescriptor[bool]{
	Cluster:   ClusterID,
	Attribute: AttrOnOff,
	Encode: func(w *tlv.Writer, v bool) error {
		return w.PutBool(tlv.Anonymous(), v)
	},
	Decode: func(r *tlv.Reader) (bool, error) {
		return r.Bool()
	},
}

// OnTimeAttribute reads/writes/subscribes the OnTime attribute (only
// present when FeatureLighting is enabled).
var OnTimeAttribute = facade.AttributeDescriptor[uint16]{
	Cluster:   ClusterID,
	Attribute: AttrOnTime,
	Encode: func(w *tlv.Writer, v uint16) error {
		return w.PutUint(tlv.Anonymous(), uint64(v))
	},
	Decode: func(r *tlv.Reader) (uint16, error) {
		v, err := r.Uint()
		return uint16(v), err
	},
}

// OffCommand, OnCommand and ToggleCommand take no request fields and
// reply with a bare status.
var (
	OffCommand    = noFieldsCommand(CmdOff)
	OnCommand     = noFieldsCommand(CmdOn)
	ToggleCommand = noFieldsCommand(CmdToggle)
)

func noFieldsCommand(cmd datamodel.CommandID) facade.CommandDescriptor[struct{}] {
	return facade.CommandDescriptor[struct{}]{
		Cluster: ClusterID,
		Command: cmd,
	}
}
