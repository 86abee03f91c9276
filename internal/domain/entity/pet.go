package entity

type PetStatus string

const (
	PetStatusAvailable PetStatus = "AVAILABLE"
	PetStatusPending   PetStatus = "PENDING"
	PetStatusAdopted   PetStatus = "ADOPTED"
)

// Pet is the denormalized pet snapshot embedded in messages and conversations.
type Pet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    PetStatus `json:"status"`
	OwnerID   string    `json:"ownerId,omitempty"`
	ShelterID string    `json:"shelterId,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
}

type Shelter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
