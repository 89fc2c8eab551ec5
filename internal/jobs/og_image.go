package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/syphar/crates.io/internal/store"
)

// OgImageWidth and OgImageHeight are the OpenGraph card dimensions.
const (
	OgImageWidth  = 1200
	OgImageHeight = 630
)

// OgImagePath is the storage key of a crate's OpenGraph card.
func OgImagePath(name string) string { return "og-images/" + name + ".png" }

var (
	ogBackground = color.RGBA{R: 0xf9, G: 0xf7, B: 0xec, A: 0xff}
	ogBanner     = color.RGBA{R: 0x3b, G: 0x68, B: 0x37, A: 0xff}
	ogBannerText = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	ogTitle      = color.RGBA{R: 0x1e, G: 0x1e, B: 0x1e, A: 0xff}
	ogMuted      = color.RGBA{R: 0x52, G: 0x52, B: 0x52, A: 0xff}
)

func generateOgImage(ctx context.Context, job GenerateOgImageJob, env Env) error {
	log := env.Log().With("job", NameGenerateOgImage, "crate", job.CrateName)

	card, err := env.Store.CrateCard(ctx, job.CrateName)
	if errors.Is(err, store.ErrCrateNotFound) {
		log.Info("crate no longer exists; skipping image")
		return nil
	}
	if err != nil {
		return err
	}

	img, err := RenderOgImage(card)
	if err != nil {
		return err
	}
	path := OgImagePath(card.Name)
	if err := env.Storage.Put(ctx, path, "image/png", img); err != nil {
		return fmt.Errorf("upload og image: %w", err)
	}
	if err := env.CDN.Invalidate(ctx, "/"+path); err != nil {
		log.Warn("failed to invalidate CDN caches", "path", path, "error", err)
	}

	log.Info("og image generated", "bytes", len(img))
	return nil
}

// RenderOgImage draws card as a PNG.
func RenderOgImage(card *store.CrateCard) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, OgImageWidth, OgImageHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(ogBackground), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, OgImageWidth, 96), image.NewUniform(ogBanner), image.Point{}, draw.Src)

	drawText(img, "crates.io", ogMargin, 22, 4, ogBannerText)
	scale := titleScale(card.Name)
	drawText(img, fitText(card.Name, scale), ogMargin, 160, scale, ogTitle)

	y := 290
	if card.DefaultVersion != "" {
		drawText(img, "v"+card.DefaultVersion, ogMargin, y, 4, ogMuted)
		y += 80
	}
	for _, line := range wrapText(card.Description, 3, 3) {
		drawText(img, line, ogMargin, y, 3, ogTitle)
		y += 52
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode og image: %w", err)
	}
	return buf.Bytes(), nil
}

// drawText renders s with the bitmap face at (x, y), scaled up by scale.
func drawText(dst *image.RGBA, s string, x, y, scale int, c color.Color) {
	if s == "" {
		return
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	h := face.Metrics().Height.Ceil()

	glyphs := image.NewRGBA(image.Rect(0, 0, w, h))
	d := font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)

	target := image.Rect(x, y, x+w*scale, y+h*scale)
	xdraw.NearestNeighbor.Scale(dst, target, glyphs, glyphs.Bounds(), xdraw.Over, nil)
}

const ogMargin = 48

// maxChars is how many glyphs fit on one line at scale.
func maxChars(scale int) int {
	return (OgImageWidth - 2*ogMargin) / (basicfont.Face7x13.Advance * scale)
}

// titleScale is the largest scale, down to 4, at which name fits on one line.
func titleScale(name string) int {
	n := len([]rune(name))
	for scale := 8; scale > 4; scale-- {
		if n <= maxChars(scale) {
			return scale
		}
	}
	return 4
}

func fitText(s string, scale int) string {
	limit := maxChars(scale)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

// wrapText splits s on spaces into at most maxLines lines that fit at scale.
func wrapText(s string, scale, maxLines int) []string {
	limit := maxChars(scale)
	var (
		lines []string
		line  []rune
	)
	for _, word := range strings.Fields(s) {
		w := []rune(word)
		switch {
		case len(line) == 0:
			line = w
		case len(line)+1+len(w) <= limit:
			line = append(append(line, ' '), w...)
		default:
			lines = append(lines, string(line))
			line = w
		}
		if len(lines) == maxLines {
			break
		}
	}
	if len(line) > 0 && len(lines) < maxLines {
		lines = append(lines, string(line))
	}
	for i, l := range lines {
		lines[i] = fitText(l, scale)
	}
	return lines
}
