package intel

import (
	"regexp"
	"strings"
	"unicode/utf16"
)

// Chain is the blockchain network implied by an address format.
type Chain string

const (
	// ChainEthereum marks 0x-prefixed hexadecimal addresses.
	ChainEthereum Chain = "Ethereum"
	// ChainSolana marks every other candidate, Base58 tokens in practice.
	ChainSolana Chain = "Solana"
)

const (
	// whitespaceClass and nonWhitespaceClass mirror ECMAScript \s, which also treats
	// Unicode space separators as whitespace.
	whitespaceClass          = `[\t\n\v\f\r \p{Z}\x{FEFF}]`
	nonWhitespaceClass       = `[^\t\n\v\f\r \p{Z}\x{FEFF}]`
	base58CharacterClass     = `[123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz]`
	ethereumAddressPattern   = `0x[a-fA-F0-9]{40}`
	solanaAddressPattern     = base58CharacterClass + `{32,44}`
	labeledAddressPattern    = `CA:` + whitespaceClass + `*(` + base58CharacterClass + `{32,44})`
	lenientLabeledPattern    = `CA:` + whitespaceClass + `*(` + nonWhitespaceClass + `+)`
	contractLabel            = "CA:"
	ethereumAddressPrefix    = "0x"
	lenientMinimumLength     = 20
	ethereumExplorerURLBase  = "https://etherscan.io/address/"
	solanaExplorerURLBase    = "https://solscan.io/account/"
	labeledCaptureGroupIndex = 1
)

var (
	reEthereumAddress = regexp.MustCompile(ethereumAddressPattern)
	reSolanaAddress   = regexp.MustCompile(solanaAddressPattern)
	reLabeledAddress  = regexp.MustCompile(labeledAddressPattern)
	reLenientLabeled  = regexp.MustCompile(lenientLabeledPattern)
)

// AddressCandidate is an address-looking token found in free text. Candidates are never
// validated against checksums or on-chain state, so false positives are expected.
type AddressCandidate struct {
	Address string `json:"address"`
	Chain   Chain  `json:"chain"`
}

// ExplorerURL links the candidate to the block explorer of its chain.
func (candidate AddressCandidate) ExplorerURL() string {
	if candidate.Chain == ChainEthereum {
		return ethereumExplorerURLBase + candidate.Address
	}
	return solanaExplorerURLBase + candidate.Address
}

// ExtractAddresses scans text for Ethereum addresses, bare Base58 tokens and "CA:" labeled
// tokens. When the text carries a "CA:" label that the strict pattern cannot match, the first
// non-whitespace run after each label is accepted if it is at least 20 characters long.
// Results are unique by exact string and keep first-seen order.
func ExtractAddresses(text string) []AddressCandidate {
	if text == "" {
		return nil
	}

	ethereumMatches := reEthereumAddress.FindAllString(text, -1)
	solanaMatches := reSolanaAddress.FindAllString(text, -1)
	labeledMatches := captureAll(reLabeledAddress, text)
	if len(labeledMatches) == 0 && strings.Contains(text, contractLabel) {
		for _, lenientMatch := range captureAll(reLenientLabeled, text) {
			if utf16Length(lenientMatch) >= lenientMinimumLength {
				labeledMatches = append(labeledMatches, lenientMatch)
			}
		}
	}

	seen := make(map[string]struct{})
	var candidates []AddressCandidate
	for _, group := range [][]string{ethereumMatches, solanaMatches, labeledMatches} {
		for _, address := range group {
			if _, exists := seen[address]; exists {
				continue
			}
			seen[address] = struct{}{}
			candidates = append(candidates, AddressCandidate{Address: address, Chain: ClassifyChain(address)})
		}
	}
	return candidates
}

// ClassifyChain labels 0x-prefixed addresses as Ethereum and everything else as Solana.
func ClassifyChain(address string) Chain {
	if strings.HasPrefix(address, ethereumAddressPrefix) {
		return ChainEthereum
	}
	return ChainSolana
}

func captureAll(expression *regexp.Regexp, text string) []string {
	submatches := expression.FindAllStringSubmatch(text, -1)
	captures := make([]string, 0, len(submatches))
	for _, submatch := range submatches {
		if len(submatch) > labeledCaptureGroupIndex {
			captures = append(captures, submatch[labeledCaptureGroupIndex])
		}
	}
	return captures
}

// utf16Length counts UTF-16 code units, the unit the lenient length threshold is defined in.
func utf16Length(text string) int {
	return len(utf16.Encode([]rune(text)))
}
