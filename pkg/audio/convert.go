package audio

// sample16 reads the little-endian int16 sample at byte offset i.
func sample16(pcm []byte, i int) int16 {
	return int16(pcm[i]) | int16(pcm[i+1])<<8
}

func putSample16(out []byte, i int, s int16) {
	out[i] = byte(s)
	out[i+1] = byte(s >> 8)
}

// DownmixMono16 averages the interleaved channels of 16-bit PCM into a single
// channel. A trailing partial frame is dropped. Mono input is returned
// unchanged.
func DownmixMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(sample16(pcm, i*frameBytes+c*2))
		}
		// The mean of int16 values always fits in int16.
		putSample16(out, i*2, int16(sum/int32(channels)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample16(pcm, idx*2)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample16(pcm, (idx+1)*2)
		}
		putSample16(out, i*2, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}
