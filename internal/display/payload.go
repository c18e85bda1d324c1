// Package display pushes images to a display listener and implements that
// listener. A frame is one JSON object per TCP connection:
//
//	{"width": w, "height": h, "channels": c, "image": "<base64 pixels>"}
//
// Pixels are raw interleaved 8 bit samples, row by row. There is no framing
// and no reply; the sender closes the connection after writing.
package display

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// ErrBadPayload is returned for frames that cannot be decoded.
var ErrBadPayload = errors.New("display: malformed payload")

// Payload is the wire form of one frame.
type Payload struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Image    string `json:"image"`
}

// NewPayload encodes img as 4 channel RGBA.
func NewPayload(img image.Image) Payload {
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return Payload{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: 4,
		Image:    base64.StdEncoding.EncodeToString(rgba.Pix),
	}
}

// Marshal returns the JSON encoding of p.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// ParsePayload decodes one JSON frame.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return p, nil
}

// Decode rebuilds the image carried by p. One channel frames decode to
// gray, three and four channel frames to RGBA.
func (p Payload) Decode() (image.Image, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrBadPayload, p.Width, p.Height)
	}
	pix, err := base64.StdEncoding.DecodeString(p.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Channels != 1 && p.Channels != 3 && p.Channels != 4 {
		return nil, fmt.Errorf("%w: %d channels", ErrBadPayload, p.Channels)
	}
	// Width*Height*Channels can overflow for hostile sizes
	pixels := len(pix) / p.Channels
	if len(pix)%p.Channels != 0 || pixels%p.Height != 0 || pixels/p.Height != p.Width {
		return nil, fmt.Errorf("%w: %d bytes for %dx%dx%d", ErrBadPayload, len(pix), p.Width, p.Height, p.Channels)
	}

	rect := image.Rect(0, 0, p.Width, p.Height)
	switch p.Channels {
	case 1:
		return &image.Gray{Pix: pix, Stride: p.Width, Rect: rect}, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i := 0; i < p.Width*p.Height; i++ {
			img.Pix[4*i] = pix[3*i]
			img.Pix[4*i+1] = pix[3*i+1]
			img.Pix[4*i+2] = pix[3*i+2]
			img.Pix[4*i+3] = 255
		}
		return img, nil
	case 4:
		return &image.NRGBA{Pix: pix, Stride: 4 * p.Width, Rect: rect}, nil
	}
	return nil, fmt.Errorf("%w: %d channels", ErrBadPayload, p.Channels)
}
