package limits

import "testing"

func TestDerive_SmallHostGetsFloors(t *testing.T) {
	l := derive(96, 1)

	if l.HashQueueLen != 1 {
		t.Errorf("HashQueueLen = %d, want 1", l.HashQueueLen)
	}
	if l.MaxConnectionsPerTransfer != 1 {
		t.Errorf("MaxConnectionsPerTransfer = %d, want 1", l.MaxConnectionsPerTransfer)
	}
	if l.MaxUploads < 1 {
		t.Errorf("MaxUploads = %d, want >= 1", l.MaxUploads)
	}
	if l.MaxUploadsPerUser < 1 {
		t.Errorf("MaxUploadsPerUser = %d, want >= 1", l.MaxUploadsPerUser)
	}
}

func TestDerive_LargeHostGetsCeilings(t *testing.T) {
	l := derive(32768, 16)

	if l.HashQueueLen != 6 {
		t.Errorf("HashQueueLen = %d, want 6", l.HashQueueLen)
	}
	if l.MaxConnectionsPerTransfer != 4 {
		t.Errorf("MaxConnectionsPerTransfer = %d, want 4", l.MaxConnectionsPerTransfer)
	}
	if l.MaxUploads > 16*4 {
		t.Errorf("MaxUploads = %d, want <= %d", l.MaxUploads, 16*4)
	}
	if l.MaxUploadsPerUser != 4 {
		t.Errorf("MaxUploadsPerUser = %d, want 4", l.MaxUploadsPerUser)
	}
}

func TestDerive_DerivedRelations(t *testing.T) {
	l := derive(2048, 4)

	if l.MaxDownloads != l.MaxUploads*2 {
		t.Errorf("MaxDownloads = %d, want %d", l.MaxDownloads, l.MaxUploads*2)
	}
	if l.MaxMasterUploads != 2 || l.MaxMasterDownloads != 3 {
		t.Errorf("master slots = %d/%d, want 2/3", l.MaxMasterUploads, l.MaxMasterDownloads)
	}
	if l.MaxConnectionsPerTransfer > 4 {
		t.Errorf("MaxConnectionsPerTransfer = %d, want <= 4", l.MaxConnectionsPerTransfer)
	}
}
