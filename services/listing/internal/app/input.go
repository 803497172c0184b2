package app

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"rentalhub/pkg/domain"
)

const (
	maxTitleLength    = 200
	maxTextLength     = 5000
	maxShortText      = 200
	maxImageRefLength = 2048
)

// Numeric is a client-supplied integer that may arrive as a JSON number, a
// JSON string or a form value. Parsing happens during validation.
type Numeric string

func (n *Numeric) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	*n = Numeric(b)
	return nil
}

// Flag is a client-supplied boolean accepting JSON booleans and the usual form spellings.
type Flag string

func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flag(s)
		return nil
	}
	*f = Flag(b)
	return nil
}

// Upload is an image submitted alongside listing fields.
type Upload struct {
	Filename string
	Body     io.Reader
}

// ListingInput carries listing fields as submitted. Nil means absent: Create
// applies defaults, Update leaves the stored value untouched.
type ListingInput struct {
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	Price        *Numeric `json:"price"`
	LocationText *string  `json:"location"`
	City         *string  `json:"city"`
	AreaText     *string  `json:"area"`
	Beds         *Numeric `json:"beds"`
	Baths        *Numeric `json:"baths"`
	HasParking   *Flag    `json:"parking"`
	Category     *string  `json:"category"`
	ImageRef     *string  `json:"image"`

	Upload *Upload `json:"-"`
}

// ActiveFilter narrows the public catalogue. Blank values are ignored.
type ActiveFilter struct {
	City     string
	Category string
	MinPrice int64
	MaxPrice int64
}

// listingFields is the validated, normalized form of a ListingInput.
type listingFields struct {
	title, description, location, city, area, category, imageRef *string
	price                                                        *int64
	beds, baths                                                  *int
	parking                                                      *bool
}

// normalize validates in. When creating, title and price are required and
// absent or zero beds/baths fall back to 1.
func normalize(in ListingInput, creating bool) (listingFields, error) {
	var out listingFields
	errs := fieldErrors{}

	if in.Title != nil {
		title := cleanText(*in.Title)
		switch {
		case title == "":
			errs.add("title", "title is required")
		case utf8.RuneCountInString(title) > maxTitleLength:
			errs.add("title", "title is too long")
		default:
			out.title = &title
		}
	} else if creating {
		errs.add("title", "title is required")
	}

	if in.Price != nil {
		price, ok := parsePositive(string(*in.Price))
		if !ok {
			errs.add("price", "price must be a positive integer")
		} else {
			out.price = &price
		}
	} else if creating {
		errs.add("price", "price is required")
	}

	text := func(field string, raw *string, limit int) *string {
		if raw == nil {
			return nil
		}
		v := cleanText(*raw)
		if utf8.RuneCountInString(v) > limit {
			errs.add(field, field+" is too long")
			return nil
		}
		return &v
	}
	out.description = text("description", in.Description, maxTextLength)
	out.location = text("location", in.LocationText, maxShortText)
	out.city = text("city", in.City, maxShortText)
	out.area = text("area", in.AreaText, maxShortText)
	out.category = text("category", in.Category, maxShortText)
	if out.category != nil && *out.category == "" {
		if creating {
			out.category = nil
		} else {
			errs.add("category", "category cannot be empty")
		}
	}

	count := func(field string, raw *Numeric) *int {
		if raw == nil {
			return nil
		}
		s := strings.TrimSpace(string(*raw))
		if creating && (s == "" || s == "0" || s == "null") {
			return nil
		}
		n, ok := parsePositive(s)
		if !ok || n > 1000 {
			errs.add(field, field+" must be a positive integer")
			return nil
		}
		v := int(n)
		return &v
	}
	out.beds = count("beds", in.Beds)
	out.baths = count("baths", in.Baths)

	if in.HasParking != nil {
		parking, ok := parseFlag(string(*in.HasParking))
		if !ok {
			errs.add("parking", "parking must be a boolean")
		} else {
			out.parking = &parking
		}
	}

	if in.ImageRef != nil {
		ref := strings.TrimSpace(*in.ImageRef)
		if len(ref) > maxImageRefLength {
			errs.add("image", "image reference is too long")
		} else if ref != "" {
			out.imageRef = &ref
		}
	}

	if err := errs.err(); err != nil {
		return listingFields{}, err
	}
	return out, nil
}

// newListing builds a pending listing for owner from validated fields.
func (f listingFields) newListing(ownerID int64) domain.Listing {
	l := domain.Listing{
		OwnerID:  ownerID,
		Beds:     1,
		Baths:    1,
		Category: domain.DefaultCategory,
		ImageRef: domain.PlaceholderImage,
		Status:   domain.StatusPending,
		Verified: false,
	}
	f.apply(&l)
	return l
}

// apply copies present fields onto l. Status, verified and owner are never touched.
func (f listingFields) apply(l *domain.Listing) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&l.Title, f.title)
	set(&l.Description, f.description)
	set(&l.LocationText, f.location)
	set(&l.City, f.city)
	set(&l.AreaText, f.area)
	set(&l.Category, f.category)
	set(&l.ImageRef, f.imageRef)
	if f.price != nil {
		l.Price = *f.price
	}
	if f.beds != nil {
		l.Beds = *f.beds
	}
	if f.baths != nil {
		l.Baths = *f.baths
	}
	if f.parking != nil {
		l.HasParking = *f.parking
	}
}

func parsePositive(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, false
		}
		n = int64(f)
	}
	return n, n > 0
}

func parseFlag(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "on", "yes":
		return true, true
	case "false", "0", "off", "no", "", "null":
		return false, true
	}
	return false, false
}

// cleanText drops markup from free text and collapses surrounding whitespace.
func cleanText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTextTag(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawTextTag(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawTextTag(name []byte) bool {
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}
