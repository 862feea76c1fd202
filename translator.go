package bitlocker

import (
	"sync"

	log "github.com/dsoprea/go-logging"
)

// virtualRegion is a (offset, length) byte range, relative to the volume's
// logical start, that reads back as all-zero plaintext and refuses
// writes outright.
//
// Grounded on spec.md §3's "up to five (offset, length) pairs": the three
// metadata replicas, the NTFS boot-sectors backup area (version 2), and the
// region named by a VIRTUALIZATION_INFO datum.
type virtualRegion struct {
	offset int64
	length int64
}

func (r virtualRegion) overlaps(off, length int64) bool {
	return off < r.offset+r.length && off+length > r.offset
}

// fixupKind is the pure classification a sector index maps to, independent
// of read vs. write direction -- the Read and Write paths consult it
// identically and only differ in which half of the round-trip they run.
//
// Grounded on original_source/src/inouts/sectors.c's thread_decrypt/
// thread_encrypt branch structure.
type fixupKind int

const (
	fixupNormal fixupKind = iota
	fixupZero
	fixupSevenBackup
	fixupSevenUnencrypted
	fixupVistaPatch
	fixupVistaPassthrough
)

// Translator implements spec.md §4.6's sector-aligned read/write engine: it
// owns the backing device, the sector cipher, and the volume's virtualized
// regions, and serves arbitrary byte ranges by aligning to sector
// boundaries internally.
//
// Key schedules and metadata are immutable after open (spec.md §5); every
// exported method may be called concurrently without external locking --
// the shared device uses positioned I/O (device.readAt/writeAt), so no
// seek cursor is ever raced.
type Translator struct {
	d      *device
	cipher sectorCipher

	sectorSize          int64
	version             Version
	nbBackupSectors     uint64
	bootSectorsBackup   int64
	encryptedVolumeSize uint64

	regions []virtualRegion

	workers  int
	readOnly bool
}

// TranslatorConfig collects everything newTranslator needs out of a parsed,
// CRC-validated metadata replica and its owning volume header.
type TranslatorConfig struct {
	SectorSize          int64
	Version             Version
	NbBackupSectors     uint64
	BootSectorsBackup   int64
	EncryptedVolumeSize uint64

	// MetadataExtents are the (offset, totalSize) pairs of every metadata
	// replica actually present on disk (up to three).
	MetadataExtents []virtualRegion

	// ExtendedRegion is the virtualized region named by a
	// VIRTUALIZATION_INFO datum (its boot-sectors address and virtualized
	// byte count); Offset/Length both zero means "not present". The
	// datum's Windows-8 extended payload is not parsed.
	ExtendedRegion virtualRegion

	WorkerPoolSize int
	ReadOnly       bool
}

// newTranslator builds a Translator from a fully resolved configuration.
// WorkerPoolSize defaults to 1 (spec.md §5's reference default) when given
// as zero or negative.
func newTranslator(d *device, cipher sectorCipher, cfg TranslatorConfig) *Translator {
	regions := make([]virtualRegion, 0, len(cfg.MetadataExtents)+2)
	regions = append(regions, cfg.MetadataExtents...)

	if cfg.Version == VersionSeven && cfg.NbBackupSectors > 0 {
		regions = append(regions, virtualRegion{
			offset: cfg.BootSectorsBackup,
			length: int64(cfg.NbBackupSectors) * cfg.SectorSize,
		})
	}

	if cfg.ExtendedRegion.length > 0 {
		regions = append(regions, cfg.ExtendedRegion)
	}

	workers := cfg.WorkerPoolSize
	if workers <= 0 {
		workers = 1
	}

	return &Translator{
		d:                   d,
		cipher:              cipher,
		sectorSize:          cfg.SectorSize,
		version:             cfg.Version,
		nbBackupSectors:     cfg.NbBackupSectors,
		bootSectorsBackup:   cfg.BootSectorsBackup,
		encryptedVolumeSize: cfg.EncryptedVolumeSize,
		regions:             regions,
		workers:             workers,
		readOnly:            cfg.ReadOnly,
	}
}

func (t *Translator) overlapsVirtualized(off, length int64) bool {
	for _, r := range t.regions {
		if r.overlaps(off, length) {
			return true
		}
	}
	return false
}

// classify returns the fix-up path sectorIndex falls into. Ported literally
// from thread_decrypt's nested version/offset conditionals, including the
// Vista branch's asymmetry: sectors 1..15 are classified into the "needs
// checking" outer branch but fall through to plain passthrough rather than
// a patch, exactly as upstream does (see DESIGN.md's Open Questions).
func (t *Translator) classify(sectorIndex int64) fixupKind {
	offset := sectorIndex * t.sectorSize

	if t.overlapsVirtualized(offset, t.sectorSize) {
		return fixupZero
	}

	switch t.version {
	case VersionSeven:
		if uint64(sectorIndex) < t.nbBackupSectors {
			return fixupSevenBackup
		}
		if uint64(offset) >= t.encryptedVolumeSize {
			return fixupSevenUnencrypted
		}

	case VersionVista:
		totalEncryptedSectors := int64(t.encryptedVolumeSize) / t.sectorSize
		if sectorIndex < 16 || sectorIndex+1 == totalEncryptedSectors {
			if sectorIndex < 1 || sectorIndex+1 == totalEncryptedSectors {
				return fixupVistaPatch
			}
			return fixupVistaPassthrough
		}
	}

	return fixupNormal
}

// decryptSector produces the plaintext for one sector, applying whichever
// fix-up classify selected.
//
// Grounded on sectors.c's thread_decrypt/fix_read_sector_seven/
// fix_read_sector_vista.
func (t *Translator) decryptSector(sectorIndex int64, ciphertext []byte) (plaintext []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	offset := sectorIndex * t.sectorSize

	switch t.classify(sectorIndex) {
	case fixupZero:
		return make([]byte, t.sectorSize), nil

	case fixupSevenBackup:
		real := offset + t.bootSectorsBackup
		buf := make([]byte, t.sectorSize)
		err = t.d.readAt(real, buf)
		log.PanicIf(err)

		if uint64(real) >= t.encryptedVolumeSize {
			return buf, nil
		}
		plaintext, err = t.cipher.DecryptSector(real, buf)
		log.PanicIf(err)
		return plaintext, nil

	case fixupSevenUnencrypted:
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil

	case fixupVistaPatch:
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		vistaFve2Ntfs(out)
		return out, nil

	case fixupVistaPassthrough:
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil

	default:
		plaintext, err = t.cipher.DecryptSector(offset, ciphertext)
		log.PanicIf(err)
		return plaintext, nil
	}
}

// encryptSector produces the ciphertext for one sector, inverting whichever
// fix-up classify selected.
//
// Grounded on sectors.c's thread_encrypt/fix_write_sector_vista.
func (t *Translator) encryptSector(sectorIndex int64, plaintext []byte) (ciphertext []byte, realOffset int64, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	offset := sectorIndex * t.sectorSize

	switch t.classify(sectorIndex) {
	case fixupSevenBackup:
		real := offset + t.bootSectorsBackup
		if uint64(real) >= t.encryptedVolumeSize {
			out := make([]byte, len(plaintext))
			copy(out, plaintext)
			return out, real, nil
		}
		ciphertext, err = t.cipher.EncryptSector(real, plaintext)
		log.PanicIf(err)
		return ciphertext, real, nil

	case fixupSevenUnencrypted:
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out, offset, nil

	case fixupVistaPatch:
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		vistaNtfs2Fve(out)
		return out, offset, nil

	case fixupVistaPassthrough:
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out, offset, nil

	default:
		ciphertext, err = t.cipher.EncryptSector(offset, plaintext)
		log.PanicIf(err)
		return ciphertext, offset, nil
	}
}

// vistaSignatureOffset/vistaMftMirrorOffset/vistaMftMirrorLength locate
// the two fields a Vista volume's sector 0 (and last encrypted sector) have
// overwritten with the "-FVE-FS-" signature and a zeroed MFT mirror
// pointer. The original computes these via
// dis_metadata_vista_vbr_fve2ntfs/ntfs2fve, whose body isn't present in
// original_source's filtered sources -- offsets below follow the standard
// NTFS BPB layout (signature at 0x03, MFT mirror cluster at 0x38), per the
// surrounding metadata.priv.h field layout. The fix-up only swaps the
// signature; the MFT mirror field is used as a length bound and is left
// unchanged.
const (
	vistaSignatureOffset = 0x03
	vistaMftMirrorOffset = 0x38
	vistaMftMirrorLength = 8
)

// vistaFve2Ntfs restores the real NTFS signature into a Vista sector
// 0/last-sector buffer (read direction); the MFT mirror cluster field is
// not restored.
func vistaFve2Ntfs(sector []byte) {
	if len(sector) < vistaMftMirrorOffset+vistaMftMirrorLength {
		return
	}
	copy(sector[vistaSignatureOffset:vistaSignatureOffset+len(signatureNtfs)], signatureNtfs[:])
}

// vistaNtfs2Fve overwrites the NTFS signature with the FVE signature prior
// to encryption (write direction, the inverse of vistaFve2Ntfs).
func vistaNtfs2Fve(sector []byte) {
	if len(sector) < vistaMftMirrorOffset+vistaMftMirrorLength {
		return
	}
	copy(sector[vistaSignatureOffset:vistaSignatureOffset+len(signatureFve)], signatureFve[:])
}

// sectorJob is one unit of work dispatched to the worker pool: decrypt or
// encrypt a single sector, writing its result into the shared output
// buffer at the matching stride.
type sectorJob struct {
	index int64
	slice []byte
}

// runPool fans jobs across t.workers goroutines, running fn on each. It
// blocks until every job has completed and returns the first error any fn
// reported (nil if none did); fn is responsible for writing its
// own result and must be safe to call concurrently with itself (true of
// decryptSector/encryptSector, which only read t and the shared device).
func (t *Translator) runPool(jobs []sectorJob, fn func(sectorJob) error) error {
	if len(jobs) == 0 {
		return nil
	}

	workers := t.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	ch := make(chan sectorJob)
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for job := range ch {
				if err := fn(job); err != nil {
					select {
					case errs <- err:
					default:
					}
				}
			}
		}()
	}

	for _, j := range jobs {
		ch <- j
	}
	close(ch)
	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return nil
}

// Read decrypts the logical plaintext range [offset, offset+len(out)) into
// out, aligning to sector boundaries internally.
//
// Grounded on spec.md §4.6's read algorithm and sectors.c's
// read_decrypt_sectors.
func (t *Translator) Read(offset int64, out []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(out) == 0 {
		return nil
	}

	firstSector := offset / t.sectorSize
	lastSector := (offset + int64(len(out)) - 1) / t.sectorSize
	nbSectors := lastSector - firstSector + 1

	ciphertext := make([]byte, nbSectors*t.sectorSize)
	err = t.d.readAt(firstSector*t.sectorSize, ciphertext)
	log.PanicIf(err)

	plaintext := make([]byte, nbSectors*t.sectorSize)

	jobs := make([]sectorJob, nbSectors)
	for i := int64(0); i < nbSectors; i++ {
		jobs[i] = sectorJob{index: firstSector + i, slice: ciphertext[i*t.sectorSize : (i+1)*t.sectorSize]}
	}

	runErr := t.runPool(jobs, func(job sectorJob) error {
		sectorPlain, decErr := t.decryptSector(job.index, job.slice)
		if decErr != nil {
			return decErr
		}
		i := job.index - firstSector
		copy(plaintext[i*t.sectorSize:(i+1)*t.sectorSize], sectorPlain)
		return nil
	})
	log.PanicIf(runErr)

	start := offset - firstSector*t.sectorSize
	copy(out, plaintext[start:start+int64(len(out))])

	return nil
}

// Write encrypts in and writes it at the logical plaintext range [offset,
// offset+len(in)), read-modify-writing any sector only partially covered
// by the request.
//
// Grounded on spec.md §4.6's write algorithm and sectors.c's
// encrypt_write_sectors.
func (t *Translator) Write(offset int64, in []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if t.readOnly {
		log.Panic(ErrReadOnly)
	}
	if len(in) == 0 {
		return nil
	}

	if t.overlapsVirtualized(offset, int64(len(in))) {
		log.Panic(ErrDeniedMetadataWrite)
	}

	firstSector := offset / t.sectorSize
	lastSector := (offset + int64(len(in)) - 1) / t.sectorSize
	nbSectors := lastSector - firstSector + 1

	plaintext := make([]byte, nbSectors*t.sectorSize)

	// Read-modify-write: only fetch+decrypt the existing sectors when the
	// request doesn't cover whole sectors.
	needsMerge := offset != firstSector*t.sectorSize || int64(len(in)) != nbSectors*t.sectorSize
	if needsMerge {
		err = t.Read(firstSector*t.sectorSize, plaintext)
		log.PanicIf(err)
	}

	start := offset - firstSector*t.sectorSize
	copy(plaintext[start:start+int64(len(in))], in)

	ciphertext := make([]byte, nbSectors*t.sectorSize)
	targets := make([]int64, nbSectors)

	jobs := make([]sectorJob, nbSectors)
	for i := int64(0); i < nbSectors; i++ {
		jobs[i] = sectorJob{index: firstSector + i, slice: plaintext[i*t.sectorSize : (i+1)*t.sectorSize]}
	}

	runErr := t.runPool(jobs, func(job sectorJob) error {
		sectorCipherBytes, real, encErr := t.encryptSector(job.index, job.slice)
		if encErr != nil {
			return encErr
		}
		i := job.index - firstSector
		copy(ciphertext[i*t.sectorSize:(i+1)*t.sectorSize], sectorCipherBytes)
		targets[i] = real
		return nil
	})
	log.PanicIf(runErr)

	// Seven-backup-redirected sectors may land at a non-contiguous real
	// offset; write each such sector individually, and the rest as one
	// contiguous run.
	contiguous := true
	for i := int64(0); i < nbSectors; i++ {
		if targets[i] != firstSector*t.sectorSize+i*t.sectorSize {
			contiguous = false
			break
		}
	}

	if contiguous {
		err = t.d.writeAt(firstSector*t.sectorSize, ciphertext)
		log.PanicIf(err)
		return nil
	}

	for i := int64(0); i < nbSectors; i++ {
		err = t.d.writeAt(targets[i], ciphertext[i*t.sectorSize:(i+1)*t.sectorSize])
		log.PanicIf(err)
	}

	return nil
}
