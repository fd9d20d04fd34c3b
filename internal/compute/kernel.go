package compute

import (
	"duosplit/internal/model"
)

// qeUniform lays out one channel's response as [ha, oiii].
func qeUniform(q model.QuantumEfficiency) []float32 {
	return []float32{float32(q.HydrogenAlpha), float32(q.OxygenIII)}
}

// chunkBounds splits pixels into chunks contiguous, balanced ranges.
func chunkBounds(chunk, chunks, pixels int) (start, end int) {
	return chunk * pixels / chunks, (chunk + 1) * pixels / chunks
}

// laneInputs is the kernel's view of its bound buffers.
type laneInputs struct {
	genomes   []float32
	image     []float32
	qe        [3][]float32
	stride    int
	statistic Statistic
	chunks    int
	pixels    int
}

func expandFree32(i, a, c, e, b, d, f float32) (j, k float32) {
	denom := d*e - c*f
	j = (d + b*c*i - a*d*i) / denom
	k = (-f - b*e*i + a*f*i) / denom
	return j, k
}

// decodeLane rebuilds both line triples from one packed genome.
func decodeLane(genome []float32, stride int, qe [3][]float32) (wa, wb [3]float32) {
	if stride == 6 {
		copy(wa[:], genome[0:3])
		copy(wb[:], genome[3:6])
		return wa, wb
	}
	ha := [3]float32{qe[0][0], qe[1][0], qe[2][0]}
	oiii := [3]float32{qe[0][1], qe[1][1], qe[2][1]}

	j, k := expandFree32(genome[0], ha[0], ha[1], ha[2], oiii[0], oiii[1], oiii[2])
	wa = [3]float32{genome[0], k, j}
	j, k = expandFree32(genome[1], oiii[0], oiii[1], oiii[2], ha[0], ha[1], ha[2])
	wb = [3]float32{genome[1], k, j}
	return wa, wb
}

// fitnessLane computes one (genome, chunk) cell. The value depends only on the
// indices and the bound buffers.
func fitnessLane(in *laneInputs, genome, chunk int) float32 {
	wa, wb := decodeLane(in.genomes[genome*in.stride:(genome+1)*in.stride], in.stride, in.qe)
	start, end := chunkBounds(chunk, in.chunks, in.pixels)

	var acc float32
	for p := start; p < end; p++ {
		r, g, b := in.image[3*p], in.image[3*p+1], in.image[3*p+2]
		lineA := wa[0]*r + wa[1]*g + wa[2]*b
		lineB := wb[0]*r + wb[1]*g + wb[2]*b
		switch in.statistic {
		case StatisticAbsolute:
			acc += abs32(lineA) + abs32(lineB)
		default:
			acc += lineA*lineA + lineB*lineB
		}
	}
	return acc
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
