package store

// Reading is a single kilowatt-hour measurement
type Reading struct {
	Time    string  `json:"time"`
	Reading float64 `json:"reading"`
}

// Account is a registered meter with its profile and readings
type Account struct {
	Username            string    `json:"username"`
	DwellingType        string    `json:"dwelling_type"`
	Region              string    `json:"region"`
	Area                string    `json:"area"`
	MeterReadings       []Reading `json:"meter_readings"`
	NextMeterUpdateTime string    `json:"next_meter_update_time,omitempty"`
}

// Records maps meter id to account
type Records map[string]*Account

// Clone returns a deep copy of the account
func (a *Account) Clone() *Account {
	c := *a
	c.MeterReadings = append([]Reading(nil), a.MeterReadings...)
	if c.MeterReadings == nil {
		c.MeterReadings = []Reading{}
	}
	return &c
}

// Clone returns a deep copy of the records
func (r Records) Clone() Records {
	out := make(Records, len(r))
	for id, acc := range r {
		out[id] = acc.Clone()
	}
	return out
}
