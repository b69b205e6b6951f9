package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestLensHarvest_PackAndDecode(t *testing.T) {
	strategy := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	data, err := PackLensHarvest(strategy)
	require.NoError(t, err)
	assert.Equal(t, selector("harvest(address)"), data[:4])
	assert.Len(t, data, 4+32)

	reward, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	encoded, err := PackLensResult(LensResult{
		CallReward:  reward,
		Success:     true,
		LastHarvest: big.NewInt(1_700_000_000),
		Paused:      false,
	})
	require.NoError(t, err)

	got, err := UnpackLensHarvest(encoded)
	require.NoError(t, err)
	assert.Equal(t, 0, reward.Cmp(got.CallReward))
	assert.True(t, got.Success)
	assert.Equal(t, int64(1_700_000_000), got.LastHarvest.Int64())
	assert.False(t, got.Paused)
}

func TestUnpackLensHarvest_Malformed(t *testing.T) {
	_, err := UnpackLensHarvest([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestPackHarvest(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	current, err := PackHarvest(false, recipient)
	require.NoError(t, err)
	assert.Equal(t, selector("harvest()"), current)

	legacy, err := PackHarvest(true, recipient)
	require.NoError(t, err)
	assert.Equal(t, selector("harvest(address)"), legacy[:4])
	assert.Equal(t, common.LeftPadBytes(recipient.Bytes(), 32), legacy[4:])
}

func TestPackMultiStepHarvest(t *testing.T) {
	steps, err := PackMultiStepHarvest()
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, selector("chargeFees()"), steps[0])
	assert.Equal(t, selector("swapRewards()"), steps[1])
	assert.Equal(t, selector("addLiquidity()"), steps[2])
}

func TestWrappedNative(t *testing.T) {
	data, err := PackWithdraw(big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, selector("withdraw(uint256)"), data[:4])
	assert.Equal(t, int64(42), new(big.Int).SetBytes(data[4:]).Int64())

	balance, err := UnpackBalanceOf(common.LeftPadBytes(big.NewInt(7).Bytes(), 32))
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Int64())
}

func TestMustParseABI_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParseABI("not json") })
}
