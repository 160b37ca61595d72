package services

import (
	"context"

	"fileconverter/config"
	"fileconverter/models"
)

// Converter invokes an external conversion tool against a local input
// file and returns the path of the produced artifact. The tool is a
// black box: when ctx expires the invocation is cancelled (HTTP request
// aborted, or spawned process killed).
type Converter interface {
	Name() string
	Convert(ctx context.Context, inputPath string) (outputPath string, err error)
}

// Capability binds a conversion type to its converter and the content
// type of a single-file result. Adding a conversion type is a table
// entry here plus a queue route.
type Capability struct {
	Converter   Converter
	ContentType string
}

// BuildRegistry wires the converter for every supported conversion type.
func BuildRegistry(cfg *config.Config) map[models.ConversionType]Capability {
	gotenberg := NewGotenbergConverter(cfg.GotenbergURL)
	return map[models.ConversionType]Capability{
		models.DocxToPDF: {Converter: gotenberg, ContentType: "application/pdf"},
		models.PDFToDocx: {Converter: NewLibreOfficeConverter(cfg.TempDir), ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		models.PDFToJPG:  {Converter: NewPopplerConverter(cfg.TempDir, "jpeg"), ContentType: "image/jpeg"},
		models.PDFToPNG:  {Converter: NewPopplerConverter(cfg.TempDir, "png"), ContentType: "image/png"},
		models.JPGToPDF:  {Converter: NewMagickConverter(cfg.TempDir), ContentType: "application/pdf"},
		models.PNGToPDF:  {Converter: NewMagickConverter(cfg.TempDir), ContentType: "application/pdf"},
	}
}
