package bitlocker

import (
	"sync"

	log "github.com/dsoprea/go-logging"
)

// StopPoint names an early-exit point in the open pipeline, used by
// diagnostic tooling (bitlocker_info) that wants to inspect intermediate
// state without running the full pipeline through to a translator.
//
// Grounded on original_source/src/inouts/prepare.c's staged
// dis_metadata_prepare/dis_metadata_check_state/dis_metadata_get_vmk/
// dis_metadata_get_fvek sequence -- each stage here corresponds to one of
// those calls succeeding.
type StopPoint int

const (
	StopComplete StopPoint = iota
	StopAfterOpen
	StopAfterVolumeHeader
	StopAfterVolumeCheck
	StopAfterInformationCheck
	StopAfterVmk
	StopAfterFvek
	StopBeforeDecryptionCheck
)

// Config collects everything needed to open a volume for translation.
type Config struct {
	// Path is the backing device or image file.
	Path string

	// PartitionOffset shifts every access by this many bytes -- needed
	// when Path names a whole-disk image rather than an isolated
	// partition image.
	PartitionOffset int64

	// ForceReplica, if nonzero (1-based: 1, 2, or 3), skips CRC
	// validation and uses that metadata replica unconditionally.
	ForceReplica int

	ReadOnly bool

	// AllowUnsafeState permits opening a volume whose conversion state is
	// StateSwitchingEncryption (normally rejected -- see ErrDangerousState).
	AllowUnsafeState bool

	Credential Credential

	// InitStopAt short-circuits the pipeline at the named stage, for
	// inspection tooling. Zero value (StopComplete) runs the full
	// pipeline.
	InitStopAt StopPoint

	// WorkerPoolSize is the translator's sector-job fan-out; defaults to
	// 1 when zero or negative.
	WorkerPoolSize int
}

// Handle is an open BitLocker volume, ready for translated reads/writes.
// All fields are set once at Open and never mutated afterward; concurrent
// Read/Write/Close calls are safe without external locking (spec.md §5).
type Handle struct {
	device     *device
	translator *Translator

	VolumeHeader      *VolumeHeader
	InformationHeader *InformationHeader

	volumeSize int64

	mu     sync.Mutex
	closed bool
}

// zeroingKey is a byte slice that overwrites itself with zeros once its
// holder is done with it -- spec.md §5's "key material is overwritten
// before release" rule, applied to VMKs and FVEKs as they pass through the
// open pipeline.
type zeroingKey []byte

func (k zeroingKey) wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Open runs the full metadata-discovery and key-unwrap pipeline and
// returns a Handle ready for Read/Write. If cfg.InitStopAt names an earlier
// stage it stops there and returns a Handle holding only what was parsed so
// far (no translator, so Read/Write must not be called on it).
//
// Grounded on prepare.c's dis_metadata_prepare orchestration: open device,
// parse volume header, validate signature, select+validate a metadata
// replica, check conversion state, unwrap VMK, resolve FVEK, build the
// sector cipher and translator.
func Open(cfg Config) (h *Handle, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
			h = nil
		}
	}()

	d, err := openDevice(cfg.Path, cfg.PartitionOffset, cfg.ReadOnly)
	log.PanicIf(err)

	h = &Handle{device: d}

	if cfg.InitStopAt == StopAfterOpen {
		return h, nil
	}

	vh, err := readVolumeHeader(d)
	if err != nil {
		d.close()
		log.Panic(err)
	}
	h.VolumeHeader = vh

	if cfg.InitStopAt == StopAfterVolumeHeader {
		return h, nil
	}

	if vh.IsBitlockerToGo() {
		d.close()
		log.Panic(ErrUnsupportedVolume)
	}

	if cfg.InitStopAt == StopAfterVolumeCheck {
		return h, nil
	}

	ih, _, err := selectReplica(d, vh, cfg.ForceReplica)
	if err != nil {
		d.close()
		log.Panic(err)
	}
	h.InformationHeader = ih

	if cfg.InitStopAt == StopAfterInformationCheck {
		return h, nil
	}

	if vh.Guid.Equal(VolumeGuidEOW) {
		d.close()
		log.Panic(ErrUnsupportedVolume)
	}

	if ih.CurrState == StateSwitchingEncryption && !cfg.AllowUnsafeState {
		d.close()
		log.Panic(ErrDangerousState)
	}

	var vmk zeroingKey
	var algo AlgorithmID
	var fvek zeroingKey

	if cfg.Credential.Kind == CredentialFvekFile {
		var fvekBytes []byte
		algo, fvekBytes, err = ResolveFvek(ih.Dataset, cfg.Credential)
		if err != nil {
			d.close()
			log.Panic(err)
		}
		fvek = zeroingKey(fvekBytes)
	} else {
		vmkBytes, vmkErr := UnwrapVmk(ih.Dataset, cfg.Credential)
		if vmkErr != nil {
			d.close()
			log.Panic(vmkErr)
		}
		vmk = zeroingKey(vmkBytes)
		defer vmk.wipe()

		if cfg.InitStopAt == StopAfterVmk {
			return h, nil
		}

		var fvekBytes []byte
		algo, fvekBytes, err = resolveFvek(ih.Dataset.Datums, vmk)
		if err != nil {
			d.close()
			log.Panic(err)
		}
		fvek = zeroingKey(fvekBytes)
	}
	defer fvek.wipe()

	if cfg.InitStopAt == StopAfterFvek {
		return h, nil
	}

	if cfg.InitStopAt == StopBeforeDecryptionCheck {
		return h, nil
	}

	cipher, err := newSectorCipher(algo, fvek)
	if err != nil {
		d.close()
		log.Panic(err)
	}

	extents := metadataExtents(vh, ih)

	extended := virtualRegion{}
	if vi, viErr := FindByValueType(ih.Dataset.Datums, ValueVirtualizationInfo); viErr == nil {
		extended = virtualRegion{
			offset: int64(vi.VirtualizationBootSectors()),
			length: int64(vi.VirtualizationNbBytes()),
		}
	}

	tr := newTranslator(d, cipher, TranslatorConfig{
		SectorSize:          int64(vh.SectorSize),
		Version:             ih.Version,
		NbBackupSectors:     uint64(ih.NbBackupSectors),
		BootSectorsBackup:   int64(ih.BootSectorsBackup),
		EncryptedVolumeSize: ih.EncryptedVolumeSize,
		MetadataExtents:     extents,
		ExtendedRegion:      extended,
		WorkerPoolSize:      cfg.WorkerPoolSize,
		ReadOnly:            cfg.ReadOnly,
	})

	volumeSize, err := determineVolumeSize(tr, vh, ih)
	log.PanicIf(err)

	h.translator = tr
	h.volumeSize = volumeSize

	return h, nil
}

// metadataExtents builds the virtualized-region list covering every
// metadata replica offset the header/information know about.
func metadataExtents(vh *VolumeHeader, ih *InformationHeader) []virtualRegion {
	offsets := vh.InformationOff
	if vh.IsVista() {
		offsets = ih.InformationOff
	}

	regions := make([]virtualRegion, 0, 3)
	for _, off := range offsets {
		if off == 0 {
			continue
		}
		regions = append(regions, virtualRegion{offset: int64(off), length: int64(ih.totalSize)})
	}
	return regions
}

// determineVolumeSize resolves the logical volume size: the information
// header's EncryptedVolumeSize when nonzero, else (a Vista volume that
// reports zero) the NTFS boot sector's own total-sector count, read back
// through the translator so the Vista sector-0 fix-up has already run.
//
// Grounded on spec.md §6's volume-size determination rule.
func determineVolumeSize(tr *Translator, vh *VolumeHeader, ih *InformationHeader) (int64, error) {
	if ih.EncryptedVolumeSize != 0 {
		return int64(ih.EncryptedVolumeSize), nil
	}

	sector := make([]byte, vh.SectorSize)
	if err := tr.Read(0, sector); err != nil {
		return 0, log.Wrap(err)
	}

	totalSectors := ntfsTotalSectors(sector)
	return int64(totalSectors) * int64(vh.SectorSize), nil
}

// ntfsTotalSectors reads the "total sectors" field out of an NTFS boot
// sector (offset 0x28, 8 bytes, little-endian).
func ntfsTotalSectors(sector []byte) uint64 {
	if len(sector) < 0x30 {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(sector[0x28+i])
	}
	return v
}

// VolumeSize returns the logical (plaintext) volume size in bytes.
func (h *Handle) VolumeSize() int64 {
	return h.volumeSize
}

// SectorSize returns the volume's sector size in bytes.
func (h *Handle) SectorSize() int64 {
	return int64(h.VolumeHeader.SectorSize)
}

// Read decrypts len(out) bytes starting at logical offset off.
func (h *Handle) Read(off int64, out []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrClosed
	}
	return h.translator.Read(off, out)
}

// Write encrypts and writes in at logical offset off.
func (h *Handle) Write(off int64, in []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrClosed
	}
	return h.translator.Write(off, in)
}

// Close releases the underlying device. Safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	return h.device.close()
}
