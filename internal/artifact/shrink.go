package artifact

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// jpegQualities is the grid of quality levels tried when re-encoding.
var jpegQualities = []int{85, 75, 65}

// shrink downsizes oversized images so uploads stay small. On any decode or
// encode problem the original artifact is returned unchanged.
func (r *Resolver) shrink(a *Artifact) *Artifact {
	if r.maxSide <= 0 {
		return a
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(a.Data))
	if err != nil || (cfg.Width <= r.maxSide && cfg.Height <= r.maxSide) {
		return a
	}

	img, err := imaging.Decode(bytes.NewReader(a.Data), imaging.AutoOrientation(true))
	if err != nil {
		slog.Debug("artifact: decode for resize failed", "error", err)
		return a
	}
	img = imaging.Fit(img, r.maxSide, r.maxSide, imaging.Lanczos)

	for _, quality := range jpegQualities {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			slog.Debug("artifact: encode failed", "quality", quality, "error", err)
			return a
		}
		if int64(buf.Len()) <= r.maxBytes {
			return &Artifact{Data: buf.Bytes(), MimeType: "image/jpeg", Source: a.Source, Location: a.Location}
		}
	}
	return a
}
