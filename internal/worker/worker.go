package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
)

// ErrWorker is returned when the detector process reports a failure for a
// frame. The process itself stays usable.
var ErrWorker = errors.New("python worker error")

// Detector finds faces in an encoded image and returns one (box, vector) pair
// per face, in detection order.
type Detector interface {
	DetectAndEncode(ctx context.Context, img []byte) ([]types.Face, error)
}

// PythonWorker drives a face_recognition subprocess. Requests go over stdin,
// responses come back over a dedicated pipe on FD 3 so library chatter on
// stdout can never corrupt the protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu        sync.Mutex
	closeOnce sync.Once
}

// NewPythonWorker starts the detector process. Canceling ctx does not kill
// it: a detection already in flight finishes and the process ends on Close.
func NewPythonWorker(ctx context.Context, id int, python, script string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(context.WithoutCancel(ctx), python, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [Length u32 BE][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// DetectAndEncode implements Detector.
func (w *PythonWorker) DetectAndEncode(ctx context.Context, img []byte) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.Communicate(img)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return ParseResponse(resp)
}

// ParseResponse decodes a detector payload.
//
//	[Status u8]
//	  0: [NumFaces u32] then per face [Box 4×i32 top,right,bottom,left] [Vec 128×f64]
//	  1: [MsgLen u32] [Msg]
func ParseResponse(resp []byte) ([]types.Face, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorker, msg)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	// Every face occupies 16 + 1024 bytes; reject counts the payload cannot hold.
	const faceSize = 4*4 + types.VectorLen*8
	if uint64(numFaces)*faceSize > uint64(r.Len()) {
		return nil, fmt.Errorf("malformed worker response: %d faces in %d bytes", numFaces, r.Len())
	}

	faces := make([]types.Face, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		var raw [types.VectorLen]uint64
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("face %d vector: %w", i, err)
		}
		vec := make([]float64, types.VectorLen)
		for j, bits := range raw {
			vec[j] = math.Float64frombits(bits)
		}
		faces = append(faces, types.Face{
			Box: types.Box{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Vec: vec,
		})
	}
	return faces, nil
}

// Close shuts the pipes and waits for the child. Safe to call more than once.
func (w *PythonWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			err = w.Cmd.Wait()
		}
	})
	return err
}
