package models

// Currency identifies one of the supported pay-in channels.
type Currency string

const (
	Bitcoin Currency = "bitcoin"
	Ether   Currency = "ether"
)

func (c Currency) String() string {
	return string(c)
}
