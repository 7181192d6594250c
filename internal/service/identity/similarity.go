package identity

// nameSimilarity returns the Ratcliff/Obershelp similarity of two strings in
// [0, 1]: twice the number of matching characters over the combined length.
// Matching blocks are found longest-first, then recursively to the left and
// right of each block, so reordered name parts still contribute. Two empty
// strings are identical.
func nameSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}

	b2j := make(map[rune][]int, len(rb))
	for j, r := range rb {
		b2j[r] = append(b2j[r], j)
	}

	matched := matchingRunes(ra, b2j, 0, len(ra), 0, len(rb))
	return 2.0 * float64(matched) / float64(total)
}

// matchingRunes sums the sizes of all matching blocks between a[alo:ahi] and
// b[blo:bhi], where b is represented by its rune-position index.
func matchingRunes(a []rune, b2j map[rune][]int, alo, ahi, blo, bhi int) int {
	i, j, size := longestMatch(a, b2j, alo, ahi, blo, bhi)
	if size == 0 {
		return 0
	}
	sum := size
	if alo < i && blo < j {
		sum += matchingRunes(a, b2j, alo, i, blo, j)
	}
	if i+size < ahi && j+size < bhi {
		sum += matchingRunes(a, b2j, i+size, ahi, j+size, bhi)
	}
	return sum
}

// longestMatch finds the earliest longest matching block between a[alo:ahi]
// and b[blo:bhi]. j2len[j] carries the length of the match ending at (i-1,
// j); extending it by one at (i, j) grows the block. Ties keep the earliest
// block so results are reproducible.
func longestMatch(a []rune, b2j map[rune][]int, alo, ahi, blo, bhi int) (besti, bestj, bestsize int) {
	besti, bestj = alo, blo
	j2len := make(map[int]int)

	for i := alo; i < ahi; i++ {
		newJ2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			newJ2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newJ2len
	}
	return besti, bestj, bestsize
}

// identifierOverlap returns the Jaccard index of two identifier value sets:
// |a ∩ b| / |a ∪ b|, zero when both are empty.
func identifierOverlap(a, b map[string]bool) float64 {
	union := len(a)
	intersection := 0
	for v := range b {
		if a[v] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
