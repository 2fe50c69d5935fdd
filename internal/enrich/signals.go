package enrich

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/leadgen/internal/model"
)

// Signal types emitted by enrichment.
const (
	SignalHasWebsite       = "has_website"
	SignalHasOnlineBooking = "has_online_booking"
	SignalHasChatWidget    = "has_chat_widget"
	SignalGoogleRating     = "google_rating"
	SignalReviewCount      = "review_count"
	SignalHighEngagement   = "high_customer_engagement"
	SignalHasBusinessHours = "has_business_hours"
	SignalCurrentlyOpen    = "currently_open"
	SignalHasPhone         = "has_phone"
	SignalBusinessTypes    = "business_types"
)

const sourcePlaces = "places"
const sourceWebsiteProbe = "website_probe"

// highEngagementThreshold is the review count above which a business is
// considered actively engaged with customers.
const highEngagementThreshold = 100

// DeriveSignals computes signals from the candidate's provider fields plus
// the optional simulated website probes. Facts read directly off provider
// data carry confidence 1.0; probes and inferences carry less.
func (s *Stage) DeriveSignals(c model.Candidate) []model.Signal {
	var signals []model.Signal

	hasWebsite := c.Website != ""
	signals = append(signals, model.Signal{
		Type:       SignalHasWebsite,
		Value:      strconv.FormatBool(hasWebsite),
		Confidence: 1.0,
		Source:     sourcePlaces,
	})

	if hasWebsite && s.cfg.ProbeWebsite && s.randFloat != nil {
		signals = append(signals,
			model.Signal{
				Type:       SignalHasOnlineBooking,
				Value:      strconv.FormatBool(s.randFloat() < 0.3),
				Confidence: 0.5,
				Source:     sourceWebsiteProbe,
			},
			model.Signal{
				Type:       SignalHasChatWidget,
				Value:      strconv.FormatBool(s.randFloat() < 0.2),
				Confidence: 0.5,
				Source:     sourceWebsiteProbe,
			},
		)
	}

	if c.Rating > 0 {
		signals = append(signals, model.Signal{
			Type:       SignalGoogleRating,
			Value:      fmt.Sprintf("%.1f", c.Rating),
			Confidence: 1.0,
			Source:     sourcePlaces,
		})
	}
	if c.ReviewCount > 0 {
		signals = append(signals, model.Signal{
			Type:       SignalReviewCount,
			Value:      strconv.Itoa(c.ReviewCount),
			Confidence: 1.0,
			Source:     sourcePlaces,
		})
		if c.ReviewCount > highEngagementThreshold {
			signals = append(signals, model.Signal{
				Type:       SignalHighEngagement,
				Value:      "true",
				Confidence: 0.9,
				Source:     sourcePlaces,
			})
		}
	}

	if len(c.OpeningHours) > 0 {
		signals = append(signals, model.Signal{
			Type:       SignalHasBusinessHours,
			Value:      "true",
			Confidence: 1.0,
			Source:     sourcePlaces,
		})
	}
	if c.OpenNow != nil {
		signals = append(signals, model.Signal{
			Type:       SignalCurrentlyOpen,
			Value:      strconv.FormatBool(*c.OpenNow),
			Confidence: 1.0,
			Source:     sourcePlaces,
		})
	}

	if c.Phone != "" {
		signals = append(signals, model.Signal{
			Type:       SignalHasPhone,
			Value:      "true",
			Confidence: 1.0,
			Source:     sourcePlaces,
		})
	}

	if len(c.Types) > 0 {
		signals = append(signals, model.Signal{
			Type:       SignalBusinessTypes,
			Value:      strings.Join(c.Types, ","),
			Confidence: 1.0,
			Source:     sourcePlaces,
		})
	}

	return signals
}
