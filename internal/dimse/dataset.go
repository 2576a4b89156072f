package dimse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var routingTags = map[string]tag.Tag{
	KeyPatientID:         tag.PatientID,
	KeyStudyInstanceUID:  tag.StudyInstanceUID,
	KeySOPClassUID:       tag.SOPClassUID,
	KeySOPInstanceUID:    tag.SOPInstanceUID,
	KeyTransferSyntaxUID: tag.TransferSyntaxUID,
	KeyModality:          tag.Modality,
	KeyStationName:       tag.StationName,
	KeyAccessionNumber:   tag.AccessionNumber,
	KeyNumberOfFrames:    tag.NumberOfFrames,
}

// ReadAttributes parses a Part 10 encoded object, skipping pixel data, and
// returns its routing attributes.
func ReadAttributes(data []byte) (Attributes, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse dicom object: %w", err)
	}
	attrs := make(Attributes, len(routingTags))
	for keyword, t := range routingTags {
		elem, err := ds.FindElementByTag(t)
		if err != nil {
			continue
		}
		if v := valueString(elem.Value.GetValue()); v != "" {
			attrs[keyword] = v
		}
	}
	if attrs.Get(KeySOPInstanceUID) == "" {
		return nil, fmt.Errorf("parse dicom object: missing SOPInstanceUID")
	}
	return attrs, nil
}

// StoreRequest builds a C-STORE request from a Part 10 object.
func StoreRequest(data []byte) (*Request, error) {
	attrs, err := ReadAttributes(data)
	if err != nil {
		return nil, err
	}
	return &Request{
		Command:        CStore,
		SOPClassUID:    attrs.Get(KeySOPClassUID),
		SOPInstanceUID: attrs.Get(KeySOPInstanceUID),
		TransferSyntax: attrs.Get(KeyTransferSyntaxUID),
		Attrs:          attrs,
		Data:           data,
	}, nil
}

func valueString(v any) string {
	switch vals := v.(type) {
	case []string:
		trimmed := make([]string, 0, len(vals))
		for _, s := range vals {
			trimmed = append(trimmed, strings.TrimRight(s, " \x00"))
		}
		return strings.Join(trimmed, `\`)
	case []int:
		parts := make([]string, len(vals))
		for i, n := range vals {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, `\`)
	case string:
		return strings.TrimRight(vals, " \x00")
	}
	return ""
}
