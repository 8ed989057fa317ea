package disklayer

import (
	"hash/crc32"
	"sync"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// ErasureDisk keeps every stripe as Reed-Solomon data and parity shards with
// a checksum per shard. Reads drop shards whose checksum no longer matches and
// rebuild the data from the survivors.
type ErasureDisk struct {
	size       uint64
	stripeSize int
	shardSize  int
	dataShards int

	enc     reedsolomon.Encoder
	stripes map[uint64]*stripe
	mu      sync.Mutex

	reconstructions uint64
}

type stripe struct {
	shards [][]byte
	sums   []uint32
}

var _ Disk = (*ErasureDisk)(nil)

// NewErasureDisk returns a zeroed disk of size bytes protected by parity
// shards for every dataShards shards of a stripe.
func NewErasureDisk(size uint64, stripeSize, dataShards, parityShards int) (*ErasureDisk, error) {
	if stripeSize <= 0 || dataShards <= 0 || stripeSize%dataShards != 0 {
		return nil, errors.Errorf("stripe size %d does not split into %d shards", stripeSize, dataShards)
	}
	if size%uint64(stripeSize) != 0 {
		return nil, errors.Errorf("disk size %d is not a multiple of stripe size %d", size, stripeSize)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "create reed-solomon encoder")
	}

	return &ErasureDisk{
		size:       size,
		stripeSize: stripeSize,
		shardSize:  stripeSize / dataShards,
		dataShards: dataShards,
		enc:        enc,
		stripes:    make(map[uint64]*stripe),
	}, nil
}

func (d *ErasureDisk) Size() uint64 { return d.size }

func (d *ErasureDisk) Flush() error { return nil }

// Reconstructions returns how many stripe reads needed repair.
func (d *ErasureDisk) Reconstructions() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.reconstructions
}

// readStripe returns the data of stripe n. Missing stripes read as zeroes.
func (d *ErasureDisk) readStripe(n uint64) ([]byte, error) {
	buf := make([]byte, d.stripeSize)

	s, ok := d.stripes[n]
	if !ok {
		return buf, nil
	}

	damaged := false
	for i, shard := range s.shards {
		if shard != nil && crc32.ChecksumIEEE(shard) != s.sums[i] {
			s.shards[i] = nil
			damaged = true
		}
	}

	if damaged {
		if err := d.enc.Reconstruct(s.shards); err != nil {
			return nil, errors.Wrapf(err, "reconstruct stripe %d", n)
		}
		for i, shard := range s.shards {
			s.sums[i] = crc32.ChecksumIEEE(shard)
		}
		d.reconstructions++
	}

	for i := 0; i < d.dataShards; i++ {
		copy(buf[i*d.shardSize:], s.shards[i])
	}

	return buf, nil
}

func (d *ErasureDisk) writeStripe(n uint64, data []byte) error {
	shards, err := d.enc.Split(data)
	if err != nil {
		return errors.Wrapf(err, "split stripe %d", n)
	}
	if err := d.enc.Encode(shards); err != nil {
		return errors.Wrapf(err, "encode stripe %d", n)
	}

	sums := make([]uint32, len(shards))
	for i, shard := range shards {
		sums[i] = crc32.ChecksumIEEE(shard)
	}

	d.stripes[n] = &stripe{shards: shards, sums: sums}

	return nil
}

func (d *ErasureDisk) ReadAt(offset uint64, p []byte) error {
	if err := checkRange(d, offset, uint64(len(p))); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.forEachStripe(offset, uint64(len(p)), func(n uint64, from, to int, pos int) error {
		data, err := d.readStripe(n)
		if err != nil {
			return err
		}
		copy(p[pos:], data[from:to])

		return nil
	})
}

func (d *ErasureDisk) WriteAt(offset uint64, p []byte) error {
	if err := checkRange(d, offset, uint64(len(p))); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.forEachStripe(offset, uint64(len(p)), func(n uint64, from, to int, pos int) error {
		data, err := d.readStripe(n)
		if err != nil {
			return err
		}
		copy(data[from:to], p[pos:])

		return d.writeStripe(n, data)
	})
}

func (d *ErasureDisk) Unmap(offset, length uint64) error {
	if err := checkRange(d, offset, length); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.forEachStripe(offset, length, func(n uint64, from, to int, _ int) error {
		if from == 0 && to == d.stripeSize {
			delete(d.stripes, n)
			return nil
		}
		if _, ok := d.stripes[n]; !ok {
			return nil
		}

		data, err := d.readStripe(n)
		if err != nil {
			return err
		}
		clear(data[from:to])

		return d.writeStripe(n, data)
	})
}

// forEachStripe calls fn for every stripe touched by [offset, offset+length)
// with the byte range inside the stripe and the position within the request.
func (d *ErasureDisk) forEachStripe(offset, length uint64, fn func(n uint64, from, to int, pos int) error) error {
	ss := uint64(d.stripeSize)
	pos := 0
	for length > 0 {
		n := offset / ss
		from := int(offset % ss)
		to := d.stripeSize
		if uint64(to-from) > length {
			to = from + int(length)
		}

		if err := fn(n, from, to, pos); err != nil {
			return err
		}

		chunk := uint64(to - from)
		offset += chunk
		length -= chunk
		pos += int(chunk)
	}

	return nil
}

// CorruptShard flips every byte of one shard of the stripe holding offset.
func (d *ErasureDisk) CorruptShard(offset uint64, shard int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.stripes[offset/uint64(d.stripeSize)]
	if !ok {
		return errors.Errorf("no stripe at offset %#x", offset)
	}
	if shard < 0 || shard >= len(s.shards) {
		return errors.Errorf("shard %d out of range", shard)
	}

	for i := range s.shards[shard] {
		s.shards[shard][i] ^= 0xFF
	}

	return nil
}
