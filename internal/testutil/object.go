package testutil

import (
	"bytes"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// objectTags lists the attributes EncodeObject writes, in ascending tag order.
var objectTags = []struct {
	keyword string
	tag     tag.Tag
}{
	{dimse.KeySOPClassUID, tag.SOPClassUID},
	{dimse.KeySOPInstanceUID, tag.SOPInstanceUID},
	{dimse.KeyModality, tag.Modality},
	{dimse.KeyPatientID, tag.PatientID},
	{dimse.KeyStudyInstanceUID, tag.StudyInstanceUID},
}

// EncodeObject builds a Part 10 object in explicit VR little endian that
// carries the given routing attributes.
func EncodeObject(tb testing.TB, attrs dimse.Attributes) []byte {
	tb.Helper()
	must := func(t tag.Tag, v string) *dicom.Element {
		el, err := dicom.NewElement(t, []string{v})
		if err != nil {
			tb.Fatalf("dicom element %v: %v", t, err)
		}
		return el
	}
	elems := []*dicom.Element{
		must(tag.MediaStorageSOPClassUID, attrs.Get(dimse.KeySOPClassUID)),
		must(tag.MediaStorageSOPInstanceUID, attrs.Get(dimse.KeySOPInstanceUID)),
		must(tag.TransferSyntaxUID, dimse.ExplicitVRLittleEndian),
	}
	for _, ot := range objectTags {
		if v := attrs.Get(ot.keyword); v != "" {
			elems = append(elems, must(ot.tag, v))
		}
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}); err != nil {
		tb.Fatalf("dicom.Write: %v", err)
	}
	return buf.Bytes()
}
