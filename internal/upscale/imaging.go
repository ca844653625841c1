package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"upscale-worker/internal/models"
)

// Imaging enlarges images in-process with resampling filters. It refuses
// outputs above maxPixels with ErrOutOfMemory rather than letting the
// allocation take the process down.
type Imaging struct {
	factor    int
	maxPixels int64
}

// NewImaging builds an in-process upscaler. factor is the default scale,
// overridable per job by the "scale" param.
func NewImaging(factor int, maxPixels int64) *Imaging {
	if factor < 1 {
		factor = 4
	}
	if maxPixels <= 0 {
		maxPixels = 64 << 20
	}
	return &Imaging{factor: factor, maxPixels: maxPixels}
}

// Process decodes req.InputPath, scales it and writes req.OutputPath. The
// output format follows the output file extension.
func (u *Imaging) Process(ctx context.Context, req Request) (models.Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}

	src, err := imaging.Open(req.InputPath, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Result{}, fmt.Errorf("source image missing: %w", err)
		}
		return models.Result{}, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return models.Result{}, errors.New("invalid image dimensions")
	}

	scale := scaleFor(req.Params, u.factor)
	width, height := b.Dx()*scale, b.Dy()*scale
	if int64(width)*int64(height) > u.maxPixels {
		return models.Result{}, fmt.Errorf("upscale %dx%d to %dx%d: %w", b.Dx(), b.Dy(), width, height, ErrOutOfMemory)
	}

	var dst image.Image
	filter, _ := req.Params.String("filter")
	switch strings.ToLower(filter) {
	case "catmullrom":
		rgba := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(rgba, rgba.Bounds(), src, b, draw.Over, nil)
		dst = rgba
	case "nearest":
		dst = imaging.Resize(src, width, height, imaging.NearestNeighbor)
	default:
		dst = imaging.Resize(src, width, height, imaging.Lanczos)
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return models.Result{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := imaging.Save(dst, req.OutputPath); err != nil {
		return models.Result{}, fmt.Errorf("encode image: %w", err)
	}

	return models.Result{
		OutputPath: req.OutputPath,
		Elapsed:    int(math.Round(time.Since(start).Seconds())),
	}, nil
}
