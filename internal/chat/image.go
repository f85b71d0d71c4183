package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"time"

	"github.com/fpang/socratic-discovery/internal/assets"
	"github.com/fpang/socratic-discovery/internal/discovery"
	"github.com/fpang/socratic-discovery/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"google.golang.org/genai"
)

// ImageSink turns generated image bytes into a reference a presentation
// surface can display (a data URI or a hosted URL).
type ImageSink interface {
	StoreImage(ctx context.Context, data []byte, mimeType string) (string, error)
}

// DefaultMaxImageDimension bounds the long edge of an embedded illustration.
const DefaultMaxImageDimension = 768

// GenerateImage draws an illustration for the topic, seeded with a line of the
// report, and returns a displayable reference from the configured sink.
func (c *Client) GenerateImage(ctx context.Context, topic, seedText string) (string, error) {
	gc, err := c.current()
	if err != nil {
		return "", discovery.NewServiceError(discovery.OpGenerateImage, discovery.KindCredential, err)
	}

	prompt := assets.RenderImagePrompt(assets.ImageData{Topic: topic, Seed: seedText})

	log.Debug().
		Str("model", c.imageModel).
		Int("prompt_length", len(prompt)).
		Msg("Starting image generation")

	start := time.Now()
	resp, err := gc.Models.GenerateImages(ctx, c.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    "16:9",
		OutputMIMEType: "image/jpeg",
	})
	rec := metrics.New(metrics.Namespace).
		Dimension("Operation", discovery.OpGenerateImage).
		Duration("GeminiCallMs", start)
	defer rec.Flush()

	if err != nil {
		se := Classify(discovery.OpGenerateImage, err)
		rec.Dimension("Result", string(se.Kind))
		log.Warn().Err(err).Str("kind", string(se.Kind)).Msg("Image generation failed")
		return "", se
	}

	data, mimeType, err := firstImage(resp)
	if err != nil {
		rec.Dimension("Result", string(discovery.KindInvalidResponse))
		return "", invalidResponse(discovery.OpGenerateImage, err)
	}
	rec.Dimension("Result", "success")

	ref, err := c.sink.StoreImage(ctx, data, mimeType)
	if err != nil {
		return "", discovery.NewServiceError(discovery.OpGenerateImage, discovery.KindUnknown, fmt.Errorf("store image: %w", err))
	}

	log.Info().
		Str("topic", topic).
		Int("image_bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Report illustration generated")
	return ref, nil
}

func firstImage(resp *genai.GenerateImagesResponse) ([]byte, string, error) {
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, "", errors.New("no images returned")
	}
	img := resp.GeneratedImages[0]
	if img == nil || img.Image == nil || len(img.Image.ImageBytes) == 0 {
		if img != nil && img.RAIFilteredReason != "" {
			return nil, "", fmt.Errorf("image filtered: %s", img.RAIFilteredReason)
		}
		return nil, "", errors.New("generated image is empty")
	}
	mimeType := img.Image.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return img.Image.ImageBytes, mimeType, nil
}

// DataURISink embeds the image inline as a base64 JPEG data URI, downscaled so
// the long edge is at most MaxDimension pixels.
type DataURISink struct {
	MaxDimension int
	Quality      int
}

// StoreImage implements ImageSink.
func (s *DataURISink) StoreImage(_ context.Context, data []byte, _ string) (string, error) {
	maxDim := s.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxImageDimension
	}
	quality := s.Quality
	if quality <= 0 {
		quality = 85
	}

	jpg, err := DownscaleJPEG(data, maxDim, quality)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg), nil
}

// DownscaleJPEG decodes a JPEG or PNG image, shrinks it so neither side exceeds
// maxDimension (aspect ratio kept), and re-encodes it as JPEG.
func DownscaleJPEG(data []byte, maxDimension, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := scaledDimensions(bounds.Dx(), bounds.Dy(), maxDimension)

	out := img
	if width != bounds.Dx() || height != bounds.Dy() {
		resized := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		out = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	log.Debug().
		Int("orig_width", bounds.Dx()).
		Int("orig_height", bounds.Dy()).
		Int("new_width", width).
		Int("new_height", height).
		Int("output_size", buf.Len()).
		Msg("Image downscaled")
	return buf.Bytes(), nil
}

func scaledDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}
	if width >= height {
		return maxDimension, max(1, height*maxDimension/width)
	}
	return max(1, width*maxDimension/height), maxDimension
}
