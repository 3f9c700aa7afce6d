package mastersync

import (
	"context"

	"github.com/vmdist/satellite/internal/satellite/models"
)

// Endpoint locates the master's transfer listener.
type Endpoint struct {
	Host      string
	PlainPort int
	TLSPort   int
}

// TransferInfo is what the master hands back when it accepts a transfer:
// the token to present on the data connection. Endpoint ports come from
// Endpoint(), they do not vary per transfer.
type TransferInfo struct {
	Token string
}

// PublishData describes an image the master wants this satellite to fetch:
// the version metadata as the master records it plus the block hash list.
type PublishData struct {
	Version            models.ImageVersion
	Hashes             [][]byte
	MachineDescription []byte
}

// MasterClient is the control-channel view of the master node. The RPC layer
// implements it; this package only cares about the calls that start and
// interrogate transfers.
type MasterClient interface {
	Endpoint() Endpoint

	// SubmitImage announces a local version for upload. The master replies
	// with the token to use on the data connection.
	SubmitImage(ctx context.Context, sessionToken string, v *models.ImageVersion,
		machineDescription []byte, hashes [][]byte) (*TransferInfo, error)

	// DownloadImage asks the master for a download token for the given
	// version.
	DownloadImage(ctx context.Context, sessionToken, versionID string) (*TransferInfo, error)

	// QueryUploadStatus asks whether the master still knows an upload
	// token. A forgotten token returns common.ErrInvalidToken.
	QueryUploadStatus(ctx context.Context, token string) error
}
