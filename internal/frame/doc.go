// Package frame defines the wire format exchanged between the orchestrator and
// a worker.
//
// A frame is a length-prefixed binary envelope:
//
//	frame   := size:u32be body
//	body    := event:u8 opcode:u8 partition:i16be metalen:u16be metadata payload
//
// The header portion (event, opcode, partition, metadata) is decoded into a
// MessageHeader. The payload is opaque to the codec; its JSON body depends on
// the (event, opcode) pair and is decoded by the router.
//
// # Metadata Grammar
//
// Change events carry their partition, sequence number and document type in
// the metadata string:
//
//	vb=<partition>;seq=<sequence>;type=<doctype>[;ack=1]
//
// ParseMetadata and FormatMetadata round-trip exactly for canonical strings.
package frame
