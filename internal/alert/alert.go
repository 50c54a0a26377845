// Package alert holds the records flowing through the ingestion pipeline:
// raw broker alerts and the display-ready documents derived from them.
package alert

// ImageKind names one of the three cutouts carried by every alert.
type ImageKind string

const (
	Science    ImageKind = "science"
	Template   ImageKind = "template"
	Difference ImageKind = "difference"
)

// Kinds lists the cutouts in the order they appear in a Document.
var Kinds = []ImageKind{Science, Template, Difference}

// ObjectRecord identifies the celestial object an alert belongs to.
type ObjectRecord struct {
	ObjectID string `json:"diaObjectId"`
	RA       Value  `json:"ra"`
	Dec      Value  `json:"dec"`
}

// SourceRecord describes a single detection.
type SourceRecord struct {
	SourceID        string `json:"diaSourceId"`
	ObservationTime Value  `json:"midpointMjdTai"`
}

// RawAlert is one alert as returned by an alert source. Cutouts are opaque
// image containers and are only interpreted by the image decoder.
type RawAlert struct {
	Science    []byte        `json:"cutoutScience"`
	Template   []byte        `json:"cutoutTemplate"`
	Difference []byte        `json:"cutoutDifference"`
	Object     *ObjectRecord `json:"diaObject,omitempty"`
	Source     *SourceRecord `json:"diaSource,omitempty"`
}

// Cutout returns the raw bytes of the given image.
func (a RawAlert) Cutout(kind ImageKind) []byte {
	switch kind {
	case Science:
		return a.Science
	case Template:
		return a.Template
	case Difference:
		return a.Difference
	default:
		return nil
	}
}

// Thumbnail is a rectangular, row-major pixel array. A nil Thumbnail marks an
// image that could not be decoded and is persisted as null.
type Thumbnail [][]Value

// Rectangular reports whether every row has the same width.
func (t Thumbnail) Rectangular() bool {
	for _, row := range t {
		if len(row) != len(t[0]) {
			return false
		}
	}
	return true
}

// Document is the normalized, display-ready form of an alert.
type Document struct {
	Link            string      `json:"link"`
	ThumbnailTypes  []ImageKind `json:"thumbnailTypes"`
	Thumbnails      []Thumbnail `json:"thumbnails"`
	ObjectID        string      `json:"diaObjectId"`
	SourceID        string      `json:"diaSourceId"`
	ObservationTime Value       `json:"midpointMjdTai"`
	RA              Value       `json:"ra"`
	Dec             Value       `json:"dec"`
	Comment         string      `json:"comment"`
}

// Key returns the identifier a Document is stored under.
func (d Document) Key() string {
	return d.SourceID
}
