package chat

import "os"

// Gemini model IDs
//
// | Model Name               | API Model ID                 | Use Case                      |
// |--------------------------|------------------------------|-------------------------------|
// | Gemini 3 Flash (Preview) | gemini-3-flash-preview       | Best for speed + intelligence |
// | Gemini 2.5 Pro           | gemini-2.5-pro               | Stable, high-reasoning tasks  |
// | Gemini 2.5 Flash         | gemini-2.5-flash             | Stable, balanced performance  |
// | Gemini 2.5 Flash-Lite    | gemini-2.5-flash-lite        | High-throughput, lowest cost  |
// | Imagen 4                 | imagen-4.0-generate-001      | Text-to-image                 |
// | Imagen 4 Fast            | imagen-4.0-fast-generate-001 | Text-to-image, lower latency  |
const (
	ModelGemini3FlashPreview = "gemini-3-flash-preview"
	ModelGemini25Pro         = "gemini-2.5-pro"
	ModelGemini25Flash       = "gemini-2.5-flash"
	ModelGemini25FlashLite   = "gemini-2.5-flash-lite"
	ModelImagen4             = "imagen-4.0-generate-001"
	ModelImagen4Fast         = "imagen-4.0-fast-generate-001"
)

// DefaultModelName drives the inquiry and the report.
// Can be overridden via the GEMINI_MODEL environment variable.
const DefaultModelName = ModelGemini3FlashPreview

// DefaultImageModelName draws the report illustration.
// Can be overridden via the GEMINI_IMAGE_MODEL environment variable.
const DefaultImageModelName = ModelImagen4

// GetModelName returns GEMINI_MODEL if set, else DefaultModelName.
func GetModelName() string {
	if env := os.Getenv("GEMINI_MODEL"); env != "" {
		return env
	}
	return DefaultModelName
}

// GetImageModelName returns GEMINI_IMAGE_MODEL if set, else DefaultImageModelName.
func GetImageModelName() string {
	if env := os.Getenv("GEMINI_IMAGE_MODEL"); env != "" {
		return env
	}
	return DefaultImageModelName
}
