package booking

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Slot is an appointment time offered at step 2.
type Slot struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	DisplayDate string `json:"display_date"`
	DisplayTime string `json:"display_time"`
}

// SlotSource produces the slots offered at step 2.
type SlotSource interface {
	AvailableSlots(now time.Time) []Slot
}

// WeekdaySlots is a placeholder availability policy: fourteen days starting a
// week out, weekdays only, at fixed hours.
type WeekdaySlots struct {
	LeadDays int
	Days     int
	Hours    []int
}

// DefaultSlots returns the stock placeholder policy.
func DefaultSlots() WeekdaySlots {
	return WeekdaySlots{LeadDays: 7, Days: 14, Hours: []int{9, 11, 14, 16}}
}

func (w WeekdaySlots) AvailableSlots(now time.Time) []Slot {
	base := now.AddDate(0, 0, w.LeadDays)
	slots := make([]Slot, 0, w.Days*len(w.Hours))
	for i := 0; i < w.Days; i++ {
		day := base.AddDate(0, 0, i)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		date := day.Format(time.DateOnly)
		for _, hour := range w.Hours {
			hh := fmt.Sprintf("%02d:00", hour)
			slots = append(slots, Slot{
				ID:          fmt.Sprintf("%s-%02d", date, hour),
				Date:        date,
				Time:        hh,
				DisplayDate: day.Format("Monday, January 02"),
				DisplayTime: hh,
			})
		}
	}
	return slots
}

// ParseSlotID splits "YYYY-MM-DD-HH" on its last dash into an appointment.
func ParseSlotID(slotID string) (Appointment, error) {
	slotID = strings.TrimSpace(slotID)
	idx := strings.LastIndex(slotID, "-")
	if idx <= 0 || idx == len(slotID)-1 {
		return Appointment{}, fmt.Errorf("booking: malformed slot id %q", slotID)
	}
	date, hour := slotID[:idx], slotID[idx+1:]
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return Appointment{}, fmt.Errorf("booking: malformed slot date %q: %w", date, err)
	}
	h, err := strconv.Atoi(hour)
	if err != nil || h < 0 || h > 23 {
		return Appointment{}, fmt.Errorf("booking: malformed slot hour %q", hour)
	}
	return Appointment{
		Date:   date,
		Time:   fmt.Sprintf("%02d:00", h),
		SlotID: slotID,
	}, nil
}
