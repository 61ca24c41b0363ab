package trust

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

// bankAlgs are the PCR banks the device chip knows how to drive.
var bankAlgs = []struct {
	name string
	alg  tpm2.Algorithm
	size int
}{
	{"sha1", tpm2.AlgSHA1, 20},
	{"sha256", tpm2.AlgSHA256, 32},
	{"sha384", tpm2.AlgSHA384, 48},
	{"sha512", tpm2.AlgSHA512, 64},
}

// DeviceChip drives a TPM 2.0 through the in-kernel resource manager.
// Access to the device is serialized.
type DeviceChip struct {
	mu    sync.Mutex
	rw    io.ReadWriteCloser
	banks []Bank
}

// OpenDevice opens the TPM character device, typically /dev/tpmrm0,
// and probes which PCR banks are active.
func OpenDevice(path string) (*DeviceChip, error) {
	rw, err := tpm2.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("open tpm %s: %w", path, err)
	}

	c := &DeviceChip{rw: rw}
	for _, b := range bankAlgs {
		if _, err := tpm2.ReadPCR(rw, 0, b.alg); err == nil {
			c.banks = append(c.banks, Bank{Name: b.name, Size: b.size})
		}
	}
	if len(c.banks) == 0 {
		rw.Close()
		return nil, fmt.Errorf("tpm %s: no readable PCR banks", path)
	}
	return c, nil
}

func (c *DeviceChip) Present() bool { return true }

func (c *DeviceChip) Banks() []Bank {
	return append([]Bank(nil), c.banks...)
}

func (c *DeviceChip) PCRRead(bank string, index int) ([]byte, error) {
	alg, err := bankAlg(bank)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return tpm2.ReadPCR(c.rw, index, alg)
}

func (c *DeviceChip) PCRExtend(index int, digests map[string][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for bank, value := range digests {
		alg, err := bankAlg(bank)
		if err != nil {
			return err
		}
		if err := tpm2.PCRExtend(c.rw, tpmutil.Handle(index), alg, value, ""); err != nil {
			return fmt.Errorf("extend pcr %d bank %s: %w", index, bank, err)
		}
	}
	return nil
}

// Close releases the TPM device.
func (c *DeviceChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rw.Close()
}

func bankAlg(name string) (tpm2.Algorithm, error) {
	for _, b := range bankAlgs {
		if b.name == name {
			return b.alg, nil
		}
	}
	return 0, fmt.Errorf("unknown PCR bank %q", name)
}
