package places

// BusinessStatusClosedPermanently marks places the pipeline must skip.
const BusinessStatusClosedPermanently = "CLOSED_PERMANENTLY"

// TextSearchResponse is one page of text search results.
type TextSearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// Place is a place record. Text search pages carry only the identity
// fields; PlaceDetails fills in the rest.
type Place struct {
	ID                  string        `json:"id"`
	DisplayName         DisplayName   `json:"displayName"`
	FormattedAddress    string        `json:"formattedAddress,omitempty"`
	WebsiteURI          string        `json:"websiteUri,omitempty"`
	NationalPhoneNumber string        `json:"nationalPhoneNumber,omitempty"`
	Rating              float64       `json:"rating,omitempty"`
	UserRatingCount     int           `json:"userRatingCount,omitempty"`
	RegularOpeningHours *OpeningHours `json:"regularOpeningHours,omitempty"`
	Types               []string      `json:"types,omitempty"`
	BusinessStatus      string        `json:"businessStatus,omitempty"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text string `json:"text"`
}

// OpeningHours describes a place's weekly schedule.
type OpeningHours struct {
	OpenNow             *bool    `json:"openNow,omitempty"`
	WeekdayDescriptions []string `json:"weekdayDescriptions,omitempty"`
}
