// bluebridge - A polling REST adapter for BlueBubbles-style iMessage servers.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"bytes"
	"image"
	"io"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/tiff"
)

// sniffLen bounds how much of the stream is buffered for content detection.
const sniffLen = 3 * 1024

// OutgoingAttachment is a prepared upload: detected content type, image
// dimensions when probeable, and a reader that replays the full stream.
type OutgoingAttachment struct {
	MimeType string
	Width    int
	Height   int
	Data     io.Reader
}

// prepareOutgoingAttachment sniffs the content type from the stream head,
// falling back to the filename extension, and probes image dimensions. The
// returned Data reader yields the original stream unchanged.
func prepareOutgoingAttachment(name string, data io.Reader) (*OutgoingAttachment, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(data, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	head = head[:n]

	out := &OutgoingAttachment{
		MimeType: mimetype.Detect(head).String(),
		Data:     io.MultiReader(bytes.NewReader(head), data),
	}
	if out.MimeType == "application/octet-stream" {
		out.MimeType = extensionMime(name)
	}
	if strings.HasPrefix(out.MimeType, "image/") {
		// The config header of every supported format fits in the sniff
		// buffer, so probing the head is enough.
		if cfg, _, cfgErr := image.DecodeConfig(bytes.NewReader(head)); cfgErr == nil {
			out.Width, out.Height = cfg.Width, cfg.Height
		}
	}
	return out, nil
}

// extensionMime maps a filename extension to its conventional content type
// string, for the mimetype registry lookup.
func extensionMime(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
