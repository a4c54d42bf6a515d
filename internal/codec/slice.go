package codec

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// Slice payload layout, before emulation prevention:
//
//	step(1) | DEFLATE(symbols)
//
// Symbols are signed quantized residuals, one byte per pixel, walked plane
// by plane (Y, U, V) and block by block in raster order. Key slices code
// every pixel against mid grey. Delta slices prefix each block with a flag
// byte: 0 keeps the reference block, 1 is followed by the block's residuals
// against the reference.
const (
	blockSkip  = 0
	blockCoded = 1
	midGrey    = 128
	maxSymbol  = 127
)

type plane struct {
	pix  []byte
	w, h int
}

// splitPlanes views an I420 buffer as its three planes.
func splitPlanes(buf []byte, w, h int) [3]plane {
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	return [3]plane{
		{pix: buf[:ySize], w: w, h: h},
		{pix: buf[ySize : ySize+cSize], w: cw, h: ch},
		{pix: buf[ySize+cSize : ySize+2*cSize], w: cw, h: ch},
	}
}

// blockCount returns the number of blocks across all planes of a w x h
// I420 picture.
func blockCount(w, h int) int {
	blocks := func(pw, ph int) int {
		return ((pw + BlockSize - 1) / BlockSize) * ((ph + BlockSize - 1) / BlockSize)
	}
	return blocks(w, h) + 2*blocks((w+1)/2, (h+1)/2)
}

func forEachBlock(p plane, fn func(x0, y0, bw, bh int)) {
	for y0 := 0; y0 < p.h; y0 += BlockSize {
		bh := min(BlockSize, p.h-y0)
		for x0 := 0; x0 < p.w; x0 += BlockSize {
			fn(x0, y0, min(BlockSize, p.w-x0), bh)
		}
	}
}

func quantize(r, step int) int {
	var q int
	if r >= 0 {
		q = (r + step/2) / step
	} else {
		q = -((-r + step/2) / step)
	}
	return max(-maxSymbol, min(maxSymbol, q))
}

func reconstruct(pred, q, step int) byte {
	return byte(max(0, min(255, pred+q*step)))
}

// codeKey appends the key symbols for src to sym and writes the
// reconstruction into recon.
func codeKey(sym []byte, src, recon plane, step int) []byte {
	forEachBlock(src, func(x0, y0, bw, bh int) {
		for y := y0; y < y0+bh; y++ {
			row := y * src.w
			for x := x0; x < x0+bw; x++ {
				q := quantize(int(src.pix[row+x])-midGrey, step)
				recon.pix[row+x] = reconstruct(midGrey, q, step)
				sym = append(sym, byte(int8(q)))
			}
		}
	})
	return sym
}

// codeDelta appends delta symbols for src against the reference held in
// recon, updating recon in place to the new reconstruction. It returns the
// number of skipped blocks.
func codeDelta(sym []byte, src, recon plane, step int) ([]byte, int) {
	deadZone := step / 2
	skipped := 0
	forEachBlock(src, func(x0, y0, bw, bh int) {
		skip := true
		for y := y0; y < y0+bh && skip; y++ {
			row := y * src.w
			for x := x0; x < x0+bw; x++ {
				d := int(src.pix[row+x]) - int(recon.pix[row+x])
				if d > deadZone || d < -deadZone {
					skip = false
					break
				}
			}
		}
		if skip {
			sym = append(sym, blockSkip)
			skipped++
			return
		}
		sym = append(sym, blockCoded)
		for y := y0; y < y0+bh; y++ {
			row := y * src.w
			for x := x0; x < x0+bw; x++ {
				pred := int(recon.pix[row+x])
				q := quantize(int(src.pix[row+x])-pred, step)
				recon.pix[row+x] = reconstruct(pred, q, step)
				sym = append(sym, byte(int8(q)))
			}
		}
	})
	return sym, skipped
}

// symbolReader walks decoded symbols and reports underflow once.
type symbolReader struct {
	sym []byte
	pos int
	err error
}

func (r *symbolReader) next() int {
	if r.pos >= len(r.sym) {
		if r.err == nil {
			r.err = fmt.Errorf("%w: slice data truncated at symbol %d", ErrDecoderFault, r.pos)
		}
		return 0
	}
	v := int(int8(r.sym[r.pos]))
	r.pos++
	return v
}

func decodeKey(r *symbolReader, recon plane, step int) {
	forEachBlock(recon, func(x0, y0, bw, bh int) {
		for y := y0; y < y0+bh; y++ {
			row := y * recon.w
			for x := x0; x < x0+bw; x++ {
				recon.pix[row+x] = reconstruct(midGrey, r.next(), step)
			}
		}
	})
}

func decodeDelta(r *symbolReader, recon plane, step int) {
	forEachBlock(recon, func(x0, y0, bw, bh int) {
		switch flag := r.next(); flag {
		case blockSkip:
			return
		case blockCoded:
		default:
			if r.err == nil {
				r.err = fmt.Errorf("%w: bad block flag %d", ErrDecoderFault, flag)
			}
			return
		}
		for y := y0; y < y0+bh; y++ {
			row := y * recon.w
			for x := x0; x < x0+bw; x++ {
				recon.pix[row+x] = reconstruct(int(recon.pix[row+x]), r.next(), step)
			}
		}
	})
}

// sliceWriter compresses symbol runs, reusing its DEFLATE state.
type sliceWriter struct {
	buf bytes.Buffer
	zw  *flate.Writer
}

func newSliceWriter() *sliceWriter {
	zw, _ := flate.NewWriter(io.Discard, flate.BestSpeed)
	return &sliceWriter{zw: zw}
}

func (w *sliceWriter) payload(step int, sym []byte) ([]byte, error) {
	w.buf.Reset()
	w.buf.WriteByte(byte(step))
	w.zw.Reset(&w.buf)
	if _, err := w.zw.Write(sym); err != nil {
		return nil, fmt.Errorf("%w: compressing slice: %v", ErrEncoderFault, err)
	}
	if err := w.zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compressing slice: %v", ErrEncoderFault, err)
	}
	return w.buf.Bytes(), nil
}

// readSlice splits a slice payload into its quantizer step and symbols.
// At most limit symbols are accepted.
func readSlice(payload []byte, limit int) (int, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("%w: slice too short", ErrDecoderFault)
	}
	step := int(payload[0])
	if step < minQuant || step > maxQuant {
		return 0, nil, fmt.Errorf("%w: quantizer step %d out of range", ErrDecoderFault, step)
	}
	zr := flate.NewReader(bytes.NewReader(payload[1:]))
	defer zr.Close()
	sym, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: inflating slice: %v", ErrDecoderFault, err)
	}
	if len(sym) > limit {
		return 0, nil, fmt.Errorf("%w: slice exceeds %d symbols", ErrDecoderFault, limit)
	}
	return step, sym, nil
}
