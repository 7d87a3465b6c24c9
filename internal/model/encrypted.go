package model

import "time"

// EncryptedField is the stored form of an authenticated-encrypted value
type EncryptedField struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	KeyVersion string `json:"keyVersion"`
}

// EncryptedRecord is a named secret owned by an identity (encrypted_data row)
type EncryptedRecord struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Name      string         `json:"name"`
	Field     EncryptedField `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
