package alpaca

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
)

// imageElementType mirrors the ASCOM ImageBytes metadata element-type
// codes relevant to this client (the full ASCOM enumeration has more
// variants; only the integer pixel types are needed here).
type imageElementType int32

const (
	elementInt16  imageElementType = 1
	elementInt32  imageElementType = 2
	elementUint16 imageElementType = 8
	elementUint32 imageElementType = 9
)

// headerSize is the fixed 44-byte Alpaca ImageBytes metadata header.
const headerSize = 44

type imageBytesHeader struct {
	MetadataVersion     int32
	ErrorNumber         int32
	ClientTransactionID int32
	ServerTransactionID int32
	DataStart           int32
	ImageElementType    imageElementType
	TransmissionType    imageElementType
	Rank                int32
	Dim1                int32
	Dim2                int32
	Dim3                int32
}

func parseImageBytesHeader(raw []byte) (*imageBytesHeader, error) {
	if len(raw) < headerSize {
		return nil, &APIError{Kind: ParseError, Message: "imagebytes payload shorter than header"}
	}
	le := binary.LittleEndian
	h := &imageBytesHeader{
		MetadataVersion:     int32(le.Uint32(raw[0:4])),
		ErrorNumber:         int32(le.Uint32(raw[4:8])),
		ClientTransactionID: int32(le.Uint32(raw[8:12])),
		ServerTransactionID: int32(le.Uint32(raw[12:16])),
		DataStart:           int32(le.Uint32(raw[16:20])),
		ImageElementType:    imageElementType(le.Uint32(raw[20:24])),
		TransmissionType:    imageElementType(le.Uint32(raw[24:28])),
		Rank:                int32(le.Uint32(raw[28:32])),
		Dim1:                int32(le.Uint32(raw[32:36])),
		Dim2:                int32(le.Uint32(raw[36:40])),
		Dim3:                int32(le.Uint32(raw[40:44])),
	}
	return h, nil
}

// ImagePixel is the set of element types get_image_array supports.
type ImagePixel interface{ ~uint16 | ~uint32 }

func elementTypeFor[T ImagePixel]() imageElementType {
	var zero T
	switch any(zero).(type) {
	case uint16:
		return elementUint16
	case uint32:
		return elementUint32
	default:
		return 0
	}
}

// GetImageArray retrieves and decodes a camera frame as a dense
// row-major pixel sequence. T must be uint16 or uint32 and must match
// the server's negotiated element type, else ParseError.
func GetImageArray[T ImagePixel](ctx context.Context, c *DeviceClient) ([]T, error) {
	raw, contentType, err := c.transport.fetchRaw(ctx, c.device, "imagearray")
	if err != nil {
		return nil, err
	}

	want := elementTypeFor[T]()

	if contentType == "application/imagebytes" {
		h, err := parseImageBytesHeader(raw)
		if err != nil {
			return nil, err
		}
		if h.ErrorNumber != 0 {
			return nil, &APIError{Kind: kindForErrorNumber(int(h.ErrorNumber)), Message: "imagearray error"}
		}
		if h.ImageElementType != want {
			return nil, &APIError{Kind: ParseError, Message: fmt.Sprintf("element type mismatch: got %d want %d", h.ImageElementType, want)}
		}
		payload := raw[h.DataStart:]
		count := int(h.Dim1) * maxInt(int(h.Dim2), 1) * maxInt(int(h.Dim3), 1)
		return decodeFlat[T](payload, count)
	}

	// Fallback: JSON {"Value": [[...], [...]]}
	var body struct {
		Value json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &APIError{Kind: ParseError, Message: err.Error()}
	}
	var rows [][]T
	if err := json.Unmarshal(body.Value, &rows); err != nil {
		return nil, &APIError{Kind: ParseError, Message: err.Error()}
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out, nil
}

func decodeFlat[T ImagePixel](payload []byte, count int) ([]T, error) {
	var zero T
	size := 2
	if any(zero) == any(uint32(0)) {
		size = 4
	}
	if len(payload) < count*size {
		return nil, &APIError{Kind: ParseError, Message: "imagebytes payload truncated"}
	}
	out := make([]T, count)
	le := binary.LittleEndian
	for i := 0; i < count; i++ {
		switch size {
		case 2:
			out[i] = T(le.Uint16(payload[i*2:]))
		case 4:
			out[i] = T(le.Uint32(payload[i*4:]))
		}
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// fetchRaw performs a raw GET against endpoint, returning the body
// bytes and the negotiated content type, bypassing JSON envelope
// decoding (needed since imagearray may return a binary payload).
func (t *Transport) fetchRaw(ctx context.Context, d DeviceDescriptor, endpoint string) ([]byte, string, error) {
	resp, raw, contentType, err := t.performRawRequest(ctx, http.MethodGet, d, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	_ = resp
	return raw, contentType, nil
}
