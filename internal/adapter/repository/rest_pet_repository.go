package repository

import (
	"context"
	"net/url"

	"petchat/internal/domain/entity"
	"petchat/internal/domain/repository"
)

type restPetRepository struct {
	client *RestClient
}

func NewRestPetRepository(client *RestClient) repository.PetRepository {
	return &restPetRepository{client: client}
}

func (r *restPetRepository) GetByID(ctx context.Context, petID string) (*entity.Pet, error) {
	var pet entity.Pet
	if err := r.client.get(ctx, "/pets/"+url.PathEscape(petID), "Pet", &pet); err != nil {
		return nil, err
	}
	return &pet, nil
}
