package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/durable-streams/streamd/internal/offset"
)

// Segment frame layout: a 4-byte big-endian payload length, the payload, and
// a single newline terminator. The newline keeps segment files greppable; it
// carries no protocol meaning. Frame overhead counts toward the on-disk
// totalBytes accounting but never toward logical stream offsets.
const (
	LengthPrefixSize = 4
	FrameTrailerSize = 1
	FrameOverhead    = LengthPrefixSize + FrameTrailerSize

	// MaxMessageSize caps a single frame. Anything larger in a segment
	// indicates corruption.
	MaxMessageSize = 64 * 1024 * 1024
)

// SegmentFileName is the single segment per stream. Rotation is not
// implemented; the counter exists so old segments stay readable if it ever is.
const SegmentFileName = "segment_00000.log"

var frameTrailer = [1]byte{'\n'}

// WriteFrame appends one framed payload to w and returns the number of bytes
// written to the file (payload plus overhead).
func WriteFrame(w io.Writer, payload []byte) (int64, error) {
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return 0, fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return 0, fmt.Errorf("write payload: %w", err)
	}
	if _, err := w.Write(frameTrailer[:]); err != nil {
		return 0, fmt.Errorf("write frame trailer: %w", err)
	}
	return int64(len(payload)) + FrameOverhead, nil
}

// ReadFrame reads one frame from r. io.EOF at a frame boundary is returned
// unchanged; a partial frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxMessageSize)
	}
	buf := make([]byte, length+FrameTrailerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf[:length], nil
}

// segmentScan is the result of walking a segment file.
type segmentScan struct {
	LogicalBytes uint64 // sum of payload lengths of complete frames
	FileBytes    int64  // bytes of the file covered by complete frames
	Frames       int
	Truncated    bool // a partial trailing frame was found past FileBytes
}

// ScanSegment walks a segment from the start and accounts for every complete
// frame. A truncated trailing frame (torn write from a crash) is tolerated and
// reported; everything before it is intact because frames are written
// sequentially and synced before metadata commits.
func ScanSegment(path string) (segmentScan, error) {
	f, err := os.Open(path)
	if err != nil {
		return segmentScan{}, err
	}
	defer f.Close()

	var scan segmentScan
	for {
		payload, err := ReadFrame(f)
		if err == io.EOF {
			return scan, nil
		}
		if err == io.ErrUnexpectedEOF {
			scan.Truncated = true
			return scan, nil
		}
		if err != nil {
			return scan, fmt.Errorf("scan %s: %w", path, err)
		}
		scan.LogicalBytes += uint64(len(payload))
		scan.FileBytes += int64(len(payload)) + FrameOverhead
		scan.Frames++
	}
}

// ReadFramesFrom returns all complete frames whose starting logical offset is
// at or past from, each annotated with its end offset. Logical offsets count
// payload bytes only, so the scan tracks them independently of file position.
func ReadFramesFrom(r io.Reader, from uint64) ([]Message, error) {
	var (
		logical uint64
		out     []Message
	)
	for {
		payload, err := ReadFrame(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		start := logical
		logical += uint64(len(payload))
		if start >= from {
			out = append(out, Message{Data: payload, Offset: offset.Offset{ByteOffset: logical}})
		}
	}
}
