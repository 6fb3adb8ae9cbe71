// Wire transport for live-update snapshots: a 4-byte big-endian message
// type, an 8-byte big-endian payload length, then the gob-encoded payload —
// the identical framing migration/transport.go uses for its own Snapshot
// messages, reused verbatim since the shape of "frame one gob blob" doesn't
// change with what's inside it.
package liveupdate

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MsgType identifies a live-update protocol message.
type MsgType uint32

const (
	// MsgState carries a gob-encoded Snapshot (export_live_info_data).
	MsgState MsgType = 1
	// MsgDone signals the exporting side has sent everything
	// (export_all_live_info_data's terminal marker).
	MsgDone MsgType = 2
)

// Sender writes framed live-update messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a live-update Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("liveupdate: send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("liveupdate: send payload: %w", err)
		}
	}

	return nil
}

// SendSnapshot gob-encodes snap and sends it as a MsgState.
func (s *Sender) SendSnapshot(snap Snapshot) error {
	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	return s.send(MsgState, payload)
}

// SendDone signals the exporting side is finished.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed live-update messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a live-update Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and its full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("liveupdate: read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("liveupdate: read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// EncodeSnapshot gob-encodes snap. Exported standalone so callers can
// implement export_live_info_size as len(EncodeSnapshot(snap)) without
// sending it anywhere yet.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("liveupdate: encode snapshot: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeSnapshot gob-decodes a Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (Snapshot, error) {
	var snap Snapshot

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("liveupdate: decode snapshot: %w", err)
	}

	return snap, nil
}
