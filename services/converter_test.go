package services

import (
	"testing"

	"fileconverter/config"
	"fileconverter/models"
)

func TestBuildRegistryCoversAllConversionTypes(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{GotenbergURL: "http://gotenberg:3000", TempDir: t.TempDir()}
	registry := BuildRegistry(cfg)

	all := []models.ConversionType{
		models.DocxToPDF, models.PDFToDocx,
		models.PDFToJPG, models.PDFToPNG,
		models.JPGToPDF, models.PNGToPDF,
	}
	for _, ct := range all {
		capability, ok := registry[ct]
		if !ok {
			t.Errorf("no converter registered for %s", ct)
			continue
		}
		if capability.Converter == nil {
			t.Errorf("nil converter for %s", ct)
		}
		if capability.ContentType == "" {
			t.Errorf("empty content type for %s", ct)
		}
	}
	if len(registry) != len(all) {
		t.Errorf("registry has %d entries, want %d", len(registry), len(all))
	}
}

func TestRegistryContentTypes(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{TempDir: t.TempDir()}
	registry := BuildRegistry(cfg)

	for ct, want := range map[models.ConversionType]string{
		models.DocxToPDF: "application/pdf",
		models.PDFToJPG:  "image/jpeg",
		models.PDFToPNG:  "image/png",
		models.JPGToPDF:  "application/pdf",
	} {
		if got := registry[ct].ContentType; got != want {
			t.Errorf("%s content type = %q, want %q", ct, got, want)
		}
	}
}
